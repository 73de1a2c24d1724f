package peer

import (
	"time"

	"github.com/Homegear/Homegear-MAX/pqueue"
)

// timePacketInterval and configPendingDelay are the two fixed thresholds
// named in §4.13.
const (
	timePacketInterval = 12 * time.Hour
	configPendingDelay = 900 * time.Second
)

// Tick runs one worker-scheduler pass against this peer (§4.13): it
// checks the reachability timeout, resends the periodic time packet,
// and re-enqueues any config-pending writes once their random-spread
// deadline has passed. now is the pass's wall-clock time so every peer
// in a round is judged against the same instant.
func (p *Peer) Tick(now time.Time) {
	p.checkReachabilityTimeout(now)
	p.sendPeriodicTimePacket(now)
	p.reenqueueConfigPending(now)
}

// checkReachabilityTimeout marks the peer unreachable once its
// device-description timeout has elapsed since the last packet it sent
// us, mirroring the original's reachability service message.
func (p *Peer) checkReachabilityTimeout(now time.Time) {
	desc, ok := p.Description()
	if !ok || desc.Timeout <= 0 {
		return
	}
	if p.LastPacketReceivedMs == 0 {
		return
	}
	elapsed := now.UnixMilli() - p.LastPacketReceivedMs
	if elapsed > desc.Timeout.Milliseconds() {
		p.ServiceMessages.SetUnreach(true)
	}
}

// sendPeriodicTimePacket resends a time packet every 12h for devices
// whose description sets needs_time (§4.9, §4.13).
func (p *Peer) sendPeriodicTimePacket(now time.Time) {
	desc, ok := p.Description()
	if !ok || !desc.NeedsTime {
		return
	}
	if p.LastTimePacketMs != 0 && now.UnixMilli()-p.LastTimePacketMs < timePacketInterval.Milliseconds() {
		return
	}
	p.LastTimePacketMs = now.UnixMilli()

	burst := p.RxModes&RxWakeOnRadio != 0
	pkt := p.owner.BuildTimePacket(p.Address, p.NextCounter(), burst)

	template := pqueue.NewTemplate(pqueue.TypeDefault, "", 0)
	template.AppendSend(pkt, false, false)
	if reg := p.owner.Registry(); reg != nil {
		if ackDesc := reg.FindExact(0x02, -1, nil); ackDesc != nil {
			template.PushAwait(ackDesc, false)
		}
	}
	p.PushPendingQueue(template)
	p.PromoteIfReachable(pqueue.TypeDefault)
}

// reenqueueConfigPending splices this peer's drained pending-queue
// templates back onto an active queue while config_pending is set and
// 900s plus the peer's random sleep spread have passed since the last
// packet received from it, for always-on/WAKE_ON_RADIO
// devices only (§4.13); devices that need a wakeup cycle get their
// pending queues promoted from packet_received instead.
func (p *Peer) reenqueueConfigPending(now time.Time) {
	if !p.ServiceMessages.IsConfigPending() {
		return
	}
	if !p.RxModes.Reachable() {
		return
	}
	deadline := configPendingDelay + time.Duration(p.RandomSleepMs)*time.Millisecond
	p.mu.Lock()
	hasTemplates := len(p.pendingQueues) > 0
	p.mu.Unlock()
	if !hasTemplates {
		return
	}
	if p.LastPacketReceivedMs == 0 || now.UnixMilli()-p.LastPacketReceivedMs < deadline.Milliseconds() {
		return
	}
	templates := p.DrainPendingTemplates()
	if len(templates) == 0 {
		return
	}
	p.owner.PromotePending(p.Address, pqueue.TypeDefault, templates)
}
