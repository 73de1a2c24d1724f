package peer

import (
	"time"

	"github.com/Homegear/Homegear-MAX/catalog"
	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/pqueue"
)

// FrameValue is one decoded value extracted from an inbound packet,
// keyed by its channel for the upstream event (§4.12).
type FrameValue struct {
	Channel int32
	Key     string
	Value   interface{}
}

// ReplyRequest tells the caller (central) to send a stateless reply on
// this peer's behalf, since Peer never holds a live transport.Interface
// itself.
type ReplyRequest struct {
	Type    uint8
	Subtype uint8
	Payload []byte
	Burst   bool
}

// PacketReceived is Peer's receive-path entry point (§4.12). centralAddr
// is Central's own address, needed to tell "the device is replying to
// us" apart from "the device is relaying past us to another peer".
// PacketReceived returns the reply central should send (if any) and
// reports whether it recognized pkt well enough to treat it as handled.
func (p *Peer) PacketReceived(pkt *packet.Packet, centralAddr packet.Addr, now time.Time) (reply *ReplyRequest, handled bool) {
	p.LastPacketReceivedMs = now.UnixMilli()
	p.LastRSSITimeS = now.Unix()
	if pkt.HasRSSI {
		p.LastRSSI = pkt.RSSIDevice
	}
	p.ServiceMessages.SetUnreach(false)

	if pkt.Dest != 0 && p.lastReceivedCounter != nil && *p.lastReceivedCounter == pkt.Counter {
		if pkt.Type != 0x02 && pkt.Type != 0xFF && pkt.Dest == p.Address {
			return p.ackReply(), true
		}
		return nil, true
	}
	counter := pkt.Counter
	p.lastReceivedCounter = &counter

	values := p.extractFrameValues(pkt)
	if len(values) > 0 {
		p.emitFrameValues(values)
	}

	if pkt.Sender == p.Address {
		return p.handleOwnPendingWake(pkt, pkt.Dest == centralAddr)
	}
	if pkt.Type != 0x02 && pkt.Type != 0xFF && pkt.Dest == p.Address {
		return p.ackReply(), true
	}
	return nil, len(values) > 0
}

// ackReply builds the zero-payload stateless OK reply §4.12 calls for.
func (p *Peer) ackReply() *ReplyRequest {
	return &ReplyRequest{Type: 0x02, Subtype: 0, Payload: nil}
}

// handleOwnPendingWake implements §4.12's "sender == self.address"
// branch: the device just woke and is addressing either us or another
// peer it relays through us.
func (p *Peer) handleOwnPendingWake(pkt *packet.Packet, wasCentral bool) (*ReplyRequest, bool) {
	templates := p.DrainPendingTemplates()

	if len(templates) > 0 {
		for _, q := range templates {
			clearBurst(q)
		}
		p.owner.PromotePending(p.Address, pqueue.TypeDefault, templates)
	}

	if pkt.Subtype&2 != 0 && !wasCentral {
		time.Sleep(60 * time.Millisecond)
	}
	if wasCentral && pkt.Type != 0x02 && pkt.Type != 0xFF {
		return p.ackReply(), true
	}
	return nil, len(templates) > 0
}

func clearBurst(q *pqueue.Queue) {
	if e, ok := q.Front(); ok && e.Kind == pqueue.EntrySend {
		e.Packet.Burst = false
	}
}

// extractFrameValues is get_values_from_packet (§4.11): walk the
// device description's frame-message index for pkt.Type, matching
// direction, fixed subtype, fixed length, and channel, then decode
// every BinarySpec into a FrameValue.
func (p *Peer) extractFrameValues(pkt *packet.Packet) []FrameValue {
	desc, ok := p.Description()
	if !ok {
		return nil
	}
	var out []FrameValue
	for _, fm := range desc.FrameMessages {
		if fm.Type != pkt.Type {
			continue
		}
		if fm.Direction != catalog.ToCentral {
			continue
		}
		if fm.Subtype != -1 && fm.Subtype != int16(pkt.Subtype) {
			continue
		}
		if fm.FixedLength != -1 && fm.FixedLength != len(pkt.Payload) {
			continue
		}
		channel := int32(0)
		if fm.ChannelIndex != nil && *fm.ChannelIndex < len(pkt.Payload) {
			channel = int32(pkt.Payload[*fm.ChannelIndex])
		}
		if fm.LowbatOffset != nil && *fm.LowbatOffset < len(pkt.Payload) {
			lowbat := pkt.Payload[*fm.LowbatOffset]&0x80 != 0
			if p.ServiceMessages.SetLowbat(lowbat) {
				out = append(out, FrameValue{Channel: channel, Key: "LOWBAT", Value: lowbat})
			}
		}
		for _, bs := range fm.BinarySpecs {
			if bs.IsConstant || bs.PayloadOffset >= len(pkt.Payload) {
				continue
			}
			raw := pkt.Payload[bs.PayloadOffset] >> bs.Index2Offset
			if bs.OmitIf != nil && raw == *bs.OmitIf {
				continue
			}
			if p.isQueuedForWrite(channel, bs.ParameterID) {
				continue // skip values pending a write, §4.12
			}
			p.valueParams.set(channel, bs.ParameterID, raw)
			out = append(out, FrameValue{Channel: channel, Key: bs.ParameterID, Value: raw})
		}
	}
	return out
}

// isQueuedForWrite reports whether name on channel currently has an
// in-flight SendPacket waiting on this peer's pending-queue templates,
// per §4.12's "not queued" skip rule. Only the templates are checked;
// a queue already promoted to the Queue Manager is not consulted.
func (p *Peer) isQueuedForWrite(channel int32, name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range p.pendingQueues {
		if q.ParameterName == name && q.Channel == channel {
			return true
		}
	}
	return false
}

func (p *Peer) emitFrameValues(values []FrameValue) {
	byChannel := make(map[int32][]FrameValue)
	for _, v := range values {
		byChannel[v.Channel] = append(byChannel[v.Channel], v)
	}
	sink := p.owner.EventSink()
	if sink == nil {
		return
	}
	for ch, vs := range byChannel {
		keys := make([]string, len(vs))
		vals := make([]interface{}, len(vs))
		for i, v := range vs {
			keys[i] = v.Key
			vals[i] = v.Value
		}
		sink.OnRPCEvent("peer", p.ID, ch, p.Address, keys, vals)
	}
}
