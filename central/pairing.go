package central

import (
	"sync/atomic"
	"time"

	"github.com/Homegear/Homegear-MAX/catalog"
	"github.com/Homegear/Homegear-MAX/eventsink"
	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/peer"
	"github.com/Homegear/Homegear-MAX/pqueue"
)

// installModeTick is the cooperative countdown granularity from §4.10.
const installModeTick = 250 * time.Millisecond

// inclusionType and resetType identify the two fixed frames every
// pairing/unpairing exchange is built from (§4.7, §4.8).
const (
	inclusionType = 0x01
	resetType     = 0xF0
)

// InPairingMode reports whether Central currently accepts new devices.
func (c *Central) InPairingMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pairing
}

// SetInstallMode implements §4.10: stop any existing countdown, and if
// on, start a new one that flips pairing off after durationS.
func (c *Central) SetInstallMode(on bool, durationS int) {
	c.mu.Lock()
	if c.installTimer != nil {
		c.installTimer.Del()
	}
	c.pairing = on
	if on {
		c.installDeadlineMs = time.Now().Add(time.Duration(durationS) * time.Second).UnixMilli()
		if c.installTimer == nil {
			c.installTimer = pqueue.NewTimer(c.onInstallModeTick)
		}
		c.installTimer.Mod(installModeTick)
	} else {
		c.installDeadlineMs = 0
	}
	c.mu.Unlock()
}

func (c *Central) onInstallModeTick() {
	c.mu.Lock()
	remaining := c.installDeadlineMs - time.Now().UnixMilli()
	if remaining <= 0 || !c.pairing {
		c.pairing = false
		c.installDeadlineMs = 0
		c.mu.Unlock()
		return
	}
	c.installTimer.Mod(installModeTick)
	c.mu.Unlock()
}

// GetInstallMode returns the remaining install-mode time in seconds, 0
// if not in pairing mode.
func (c *Central) GetInstallMode() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.pairing {
		return 0
	}
	remaining := c.installDeadlineMs - time.Now().UnixMilli()
	if remaining <= 0 {
		return 0
	}
	return int(remaining / 1000)
}

// pendingPairing tracks an in-flight pairing-request exchange keyed by
// the device's radio address, since the peer isn't installed in
// Central's indices until the inclusion ACK lands (§4.7).
type pendingPairing struct {
	peer    *peer.Peer
	ifaceID string
}

var pairingSeq uint64 // monotonically tags un-persisted template peers, guarded by atomic ops only

func nextPairingID() uint64 { return atomic.AddUint64(&pairingSeq, 1) }

func (c *Central) pendingSlot(addr packet.Addr) *pendingPairing {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingPairings == nil {
		c.pendingPairings = make(map[packet.Addr]*pendingPairing)
	}
	return c.pendingPairings[addr]
}

func (c *Central) setPendingSlot(addr packet.Addr, p *pendingPairing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingPairings == nil {
		c.pendingPairings = make(map[packet.Addr]*pendingPairing)
	}
	if p == nil {
		delete(c.pendingPairings, addr)
		return
	}
	c.pendingPairings[addr] = p
}

// handlePairingRequest implements §4.7's handlePairingRequest.
func (c *Central) handlePairingRequest(p *packet.Packet) {
	if (p.Dest != 0 && p.Dest != c.Address) || len(p.Payload) < 14 {
		return
	}
	firmware := uint16(p.Payload[0])<<8 | uint16(p.Payload[1])
	deviceType := uint32(p.Payload[2])<<8 | uint32(p.Payload[3])
	serial := string(p.Payload[4:14])

	if existing := c.PeerByAddress(p.Sender); existing != nil {
		if existing.Serial != serial || existing.DeviceType != deviceType {
			return
		}
	}
	if !c.InPairingMode() {
		return
	}

	desc, _ := c.cat.Lookup(deviceType, firmware)
	rxModes := peer.RxAlways
	if desc != nil {
		rxModes = inferRxModes(desc)
	}

	tmp := peer.New(nextPairingID(), p.Sender, serial, deviceType, firmware, rxModes, c.defaultIfaceID, c, c.log.With(map[string]interface{}{"peer": p.Sender.String()}))
	c.setPendingSlot(p.Sender, &pendingPairing{peer: tmp})

	burst := rxModes&peer.RxWakeOnRadio != 0
	inclusion := &packet.Packet{
		Counter: c.nextBroadcastCounter(),
		Type:    inclusionType,
		Subtype: 0,
		Sender:  c.Address,
		Dest:    p.Sender,
		Payload: []byte{0, 0},
		Burst:   burst,
	}

	template := pqueue.NewTemplate(pqueue.TypePairing, "", 0)
	template.AppendSend(inclusion, false, false)
	if ackDesc := c.reg.FindExact(0x02, -1, nil); ackDesc != nil {
		template.PushAwait(ackDesc, false)
	}
	if desc != nil && desc.NeedsTime {
		timePkt := c.BuildTimePacket(p.Sender, c.nextBroadcastCounter(), burst)
		template.AppendSend(timePkt, false, false)
		if ackDesc := c.reg.FindExact(0x02, -1, nil); ackDesc != nil {
			template.PushAwait(ackDesc, false)
		}
	}

	iface, ok := c.defaultInterface()
	if !ok {
		return
	}
	q := c.qm.Create(pqueue.TypePairing, p.Sender, iface)
	q.AdoptTemplate(template)
}

// inferRxModes guesses an incoming device's RX behavior from its
// description's Timeout until the real pairing-request payload adds an
// explicit RX-mode byte; devices needing periodic time sync are assumed
// reachable on demand.
func inferRxModes(desc *catalog.DeviceDescription) peer.RxMode {
	if desc.NeedsTime {
		return peer.RxWakeOnRadio
	}
	return peer.RxAlways
}

// finalizePairing implements the inclusion-ACK branch of §4.7's
// handleAck: install the pending template peer, persist it, and
// broadcast its arrival upstream.
func (c *Central) finalizePairing(addr packet.Addr) {
	slot := c.pendingSlot(addr)
	if slot == nil {
		return
	}
	c.setPendingSlot(addr, nil)

	pr := slot.peer
	c.insertPeer(pr)
	_ = c.persistPeer(pr)
	c.SetInstallMode(false, 0)

	c.sink.OnNewDevices([]eventsink.DeviceInfo{{ID: pr.ID, Address: pr.Address, Serial: pr.Serial}})
}

// ResetPeer implements §4.8: build the factory-reset pending queue and
// splice it immediately if the peer is reachable on demand.
func (c *Central) ResetPeer(addr packet.Addr) bool {
	pr := c.PeerByAddress(addr)
	if pr == nil {
		return false
	}
	burst := pr.RxModes&peer.RxWakeOnRadio != 0
	reset := &packet.Packet{
		Counter: pr.NextCounter(),
		Type:    resetType,
		Subtype: 0,
		Sender:  c.Address,
		Dest:    addr,
		Payload: []byte{0},
		Burst:   burst,
	}
	template := pqueue.NewTemplate(pqueue.TypeUnpairing, "", 0)
	template.AppendSend(reset, false, false)
	// §4.8 awaits the specific ACK type=0x02 subtype=0x02 barrier, not
	// the generic any-subtype one handlePairingRequest uses.
	if ackDesc := c.reg.FindExact(0x02, 2, nil); ackDesc != nil {
		template.PushAwait(ackDesc, false)
	}

	pr.PushPendingQueue(template)
	pr.PromoteIfReachable(pqueue.TypeUnpairing)
	return true
}

// finalizeUnpair implements the factory-reset-ACK branch of §4.7's
// handleAck: delete the peer and its stored state, notify upstream.
func (c *Central) finalizeUnpair(addr packet.Addr) {
	pr := c.PeerByAddress(addr)
	if pr == nil {
		return
	}
	c.removePeer(pr)
	c.qm.Dispose(addr)
	if c.st != nil {
		_ = c.st.DeleteDevice(pr.ID)
		_ = c.st.DeletePeerVariables(pr.ID)
	}
	c.sink.OnDeleteDevices([]eventsink.DeviceInfo{{ID: pr.ID, Address: pr.Address, Serial: pr.Serial}})
}
