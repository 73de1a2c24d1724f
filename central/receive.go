package central

import (
	"time"

	"github.com/Homegear/Homegear-MAX/metrics"
	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/peer"
	"github.com/Homegear/Homegear-MAX/pqueue"
	"github.com/Homegear/Homegear-MAX/registry"
)

// registerBootstrapDescriptors adds the four Message Registry entries
// Central always needs (§4.2): pairing-request, ACK, time-request, and
// the unpairing ACK.
func (c *Central) registerBootstrapDescriptors() {
	c.reg.Add(&registry.Descriptor{
		Name:          "pairing_request",
		Type:          0x00,
		Subtype:       0x04,
		Access:        registry.Full,
		AccessPairing: registry.Full,
		Handler:       func(p *packet.Packet, ctx registry.HandlerContext) { c.handlePairingRequest(p) },
	})
	c.reg.Add(&registry.Descriptor{
		Name:    "ack",
		Type:    0x02,
		Subtype: -1,
		// An inclusion ACK answers a device that isn't a known peer
		// yet, so PairedToSender can't gate it; AccessPairing only
		// takes effect while install mode is on, and
		// handlePairingRequest already re-checks InPairingMode before
		// building the inclusion queue, so this isn't otherwise wide
		// open.
		Access:        registry.PairedToSender | registry.DestIsMe,
		AccessPairing: registry.Full,
		Handler:       func(p *packet.Packet, ctx registry.HandlerContext) { c.handleAck(p) },
	})
	c.reg.Add(&registry.Descriptor{
		Name:          "time_request",
		Type:          0x03,
		Subtype:       0x0A,
		Access:        registry.PairedToSender | registry.DestIsMe,
		AccessPairing: registry.PairedToSender | registry.DestIsMe,
		Handler:       func(p *packet.Packet, ctx registry.HandlerContext) { c.handleTimeRequest(p) },
	})
	c.reg.Add(&registry.Descriptor{
		Name: "ack_unpairing",
		// §4.8's ResetPeer waits on this exact subtype rather than the
		// generic ack above. Its handler is handleAck as well, but dispatch
		// never reaches it: an inbound ACK always resolves to "ack" first
		// (registered earlier, and subtype -1 matches any subtype).
		Type:          0x02,
		Subtype:       0x02,
		Access:        registry.PairedToSender | registry.DestIsMe,
		AccessPairing: registry.Full,
		Handler:       func(p *packet.Packet, ctx registry.HandlerContext) { c.handleAck(p) },
	})
}

// OnPacketReceived is the receive-path entry point (§4.6): the pipeline
// an interface's receiver callback funnels every inbound packet
// through, from spoof detection down to the per-peer value path.
func (c *Central) OnPacketReceived(p *packet.Packet, ifaceID string) {
	now := time.Now()
	metrics.PacketsReceived.WithLabelValues(ifaceID).Inc()

	// Step 2: our own address as sender is a spoof loopback, unless it's
	// genuinely our own packet re-heard on the interface it went out on.
	if p.Sender == c.Address {
		c.handleSpoofedLoopback(p, ifaceID)
		return
	}

	// Step 3: a known peer's packets must arrive on its own interface;
	// delivery on a different adapter means two interfaces hearing the
	// same radio traffic, which must not be double-processed.
	if pr := c.PeerByAddress(p.Sender); pr != nil && pr.PhysicalInterfaceID != "" && pr.PhysicalInterfaceID != ifaceID {
		return
	}

	// Step 4: set returns true for a duplicate delivery, which is exactly
	// what "already handled" means here.
	handled := c.recvCache.Set(p.Sender, p, now)

	// Step 5.
	q := c.qm.Get(p.Sender)
	var queueTypeStr string
	if q != nil {
		queueTypeStr = string(q.GetType())
	}
	desc := c.reg.Find(p)
	if desc != nil && c.admitResendPop(q, p, desc) {
		senderPeer := c.PeerByAddress(p.Sender)
		senderIsKnownPeer := senderPeer != nil
		var centralAddrOfPeer packet.Addr
		if senderIsKnownPeer {
			centralAddrOfPeer = c.Address
		}
		if registry.CheckAccess(desc, c.InPairingMode(), queueTypeStr, c.Address, p.Sender, p.Dest, senderIsKnownPeer, centralAddrOfPeer) {
			desc.Handler(p, registry.HandlerContext{InPairingMode: c.InPairingMode(), QueueType: queueTypeStr})
			handled = true
		}
	}

	// Step 6: a handled packet that advanced a non-PEER active queue
	// already did everything a "device is alive" signal needs to do.
	if handled {
		if q := c.qm.Get(p.Sender); q != nil && !q.IsEmpty() && q.GetType() != pqueue.TypePeer {
			if pr := c.PeerByAddress(p.Sender); pr != nil {
				pr.ServiceMessages.SetUnreach(false)
				if p.HasRSSI {
					pr.LastRSSI = p.RSSIDevice
				}
			}
			return
		}
	}

	// Step 7.
	pr := c.PeerByAddress(p.Sender)
	if pr == nil {
		return
	}
	reply, _ := pr.PacketReceived(p, c.Address, now)
	if reply != nil {
		c.sendReply(pr, reply)
	}
}

// handleSpoofedLoopback implements §4.6 step 2.
func (c *Central) handleSpoofedLoopback(p *packet.Packet, ifaceID string) {
	pr := c.PeerByAddress(p.Dest)
	if pr == nil {
		return
	}
	if pr.PhysicalInterfaceID != "" && pr.PhysicalInterfaceID != ifaceID {
		return // our own packet, re-heard by a different interface
	}
	if pr.ServiceMessages.SetCentralAddressSpoofed(true) {
		c.sink.OnRPCEvent("central", pr.ID, 0, pr.Address, []string{"CENTRAL_ADDRESS_SPOOFED"}, []interface{}{true})
	}
}

// sendReply transmits a stateless ReplyRequest peer's receive path
// asked for (§4.12), stealthily: it doesn't touch a queue, just the
// interface, matching the original's direct "send OK" behavior.
func (c *Central) sendReply(pr *peer.Peer, reply *peer.ReplyRequest) {
	iface, ok := c.interfaceFor(pr)
	if !ok {
		return
	}
	pkt := &packet.Packet{
		Counter: pr.NextCounter(),
		Type:    reply.Type,
		Subtype: reply.Subtype,
		Sender:  c.Address,
		Dest:    pr.Address,
		Payload: reply.Payload,
		Burst:   reply.Burst,
	}
	_ = iface.Send(c.ctx, pkt, pkt.Burst)
	c.sendCache.Set(pr.Address, pkt, time.Now())
	metrics.PacketsSent.WithLabelValues(iface.ID()).Inc()
}

// admitResendPop implements §9's "access-check pops an entry mid-
// evaluation" REDESIGN FLAG, grounded on MAXMessage::checkAccess
// (_examples/original_source/src/MAXMessage.cpp): a packet addressed to
// us answers whatever Send this queue has in flight, so we pop it
// speculatively before the bitwise access check runs. If the entry now
// at the head is an Await that doesn't accept desc's type/subtype, the
// pop was wrong — a stale resend racing a queue that already moved on
// — so it's undone and access is denied.
func (c *Central) admitResendPop(q *pqueue.Queue, p *packet.Packet, desc *registry.Descriptor) bool {
	if q == nil || p.Dest != c.Address {
		return true
	}
	e, ok := q.Front()
	if !ok || e.Kind != pqueue.EntrySend {
		return true
	}
	q.Pop()
	if next, ok := q.Front(); ok && next.Kind == pqueue.EntryAwait && !descriptorTypeEqual(next.Descriptor, desc) {
		q.PushFront(e.Packet, false, e.Stealthy, e.ForceResend)
		return false
	}
	return true
}

// descriptorTypeEqual compares two descriptors' type/subtype the way
// the original's typeIsEqual(message) overload does: -1 ("any") on
// either side is never a mismatch, only a concrete clash is.
func descriptorTypeEqual(a, b *registry.Descriptor) bool {
	if a.Type != b.Type {
		return false
	}
	if a.Subtype > -1 && b.Subtype > -1 && a.Subtype != b.Subtype {
		return false
	}
	return true
}

// handleAck implements §4.7's handleAck. admitResendPop already retired
// the Send entry p answers; the only thing left to pop here is the
// Await that admitResendPop left at the head (§4.4's push_await/pop
// contract), matching the original's single final queue->pop().
func (c *Central) handleAck(p *packet.Packet) {
	q := c.qm.Get(p.Sender)
	if q == nil {
		return
	}
	nack := len(p.Payload) > 1 && p.Payload[1]&0x80 != 0
	if nack {
		if q.GetType() == pqueue.TypePairing {
			q.Clear()
		} else {
			q.Pop()
		}
		return
	}

	wasInclusion, _ := c.priorSendWasInclusion(p.Sender)
	wasFactoryReset := c.priorSendWasFactoryReset(p.Sender)

	q.Pop()

	if q.GetType() == pqueue.TypePairing && wasInclusion {
		c.finalizePairing(p.Sender)
	}
	if q.GetType() == pqueue.TypeUnpairing && wasFactoryReset {
		c.finalizeUnpair(p.Sender)
	}
}

// priorSendWasInclusion and priorSendWasFactoryReset look at the last
// packet actually sent to addr, mirroring the original's separate
// _sentPackets cache (MAXCentral::handleAck): by the time handleAck
// runs, admitResendPop has already popped the Send off the queue, so
// the queue itself no longer holds it.
func (c *Central) priorSendWasInclusion(addr packet.Addr) (wasInclusion bool, ok bool) {
	pkt, ok := c.sendCache.Get(addr)
	if !ok {
		return false, false
	}
	return pkt.Type == 0x01 && pkt.Subtype == 0, true
}

func (c *Central) priorSendWasFactoryReset(addr packet.Addr) bool {
	pkt, ok := c.sendCache.Get(addr)
	if !ok {
		return false
	}
	return pkt.Type == 0xF0 && pkt.Subtype == 0
}

// handleTimeRequest implements §4.7's handleTimeRequest: reply with a
// time packet on the sender's own interface.
func (c *Central) handleTimeRequest(p *packet.Packet) {
	pr := c.PeerByAddress(p.Sender)
	if pr == nil {
		return
	}
	iface, ok := c.interfaceFor(pr)
	if !ok {
		return
	}
	pkt := c.BuildTimePacket(p.Sender, pr.NextCounter(), pr.RxModes&peer.RxWakeOnRadio != 0)
	_ = iface.Send(c.ctx, pkt, pkt.Burst)
	c.sendCache.Set(p.Sender, pkt, time.Now())
	metrics.PacketsSent.WithLabelValues(iface.ID()).Inc()
}
