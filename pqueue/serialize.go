package pqueue

import (
	"context"

	"github.com/Homegear/Homegear-MAX/cache"
	"github.com/Homegear/Homegear-MAX/logging"
	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/registry"
	"github.com/Homegear/Homegear-MAX/transport"
)

// SerializedEntry is the wire shape of one Entry in the §6 pending-queue
// persistence format. The store package owns the byte encoding; this
// type is the in-memory handoff between pqueue and store.
type SerializedEntry struct {
	KindByte       byte // 0 = EntrySend, 1 = EntryAwait
	Stealthy       bool
	ForceResend    bool
	HasPacket      bool
	PacketBytes    []byte
	Burst          bool
	HasDescriptor  bool
	DescType       uint8
	DescSubtype    int16
	DescPredicates []registry.Predicate
	// ResolvedDescriptor is populated by store.DecodePendingQueues once
	// it has looked DescType/DescSubtype/DescPredicates up against the
	// live Message Registry.
	ResolvedDescriptor *registry.Descriptor
}

// SerializedQueue is the wire shape of one pending PacketQueue template.
type SerializedQueue struct {
	Type          string
	Entries       []SerializedEntry
	ParameterName string
	Channel       int32
	InterfaceID   string
}

// Serialize captures q's current entries as a SerializedQueue, for
// persistence via store.EncodePendingQueues. q need not be active; this
// is primarily used on PendingQueues templates before they're spliced
// in.
func (q *Queue) Serialize(interfaceID string) *SerializedQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := &SerializedQueue{
		Type:          string(q.Type),
		ParameterName: q.ParameterName,
		Channel:       q.Channel,
		InterfaceID:   interfaceID,
	}
	for _, e := range q.entries {
		se := SerializedEntry{Stealthy: e.Stealthy, ForceResend: e.ForceResend}
		if e.Kind == EntrySend {
			se.KindByte = 0
			se.HasPacket = true
			se.PacketBytes = packet.Encode(e.Packet, false)
			se.Burst = e.Packet.Burst
		} else {
			se.KindByte = 1
			se.HasDescriptor = true
			se.DescType = e.Descriptor.Type
			se.DescSubtype = e.Descriptor.Subtype
			se.DescPredicates = e.Descriptor.Predicates
		}
		s.Entries = append(s.Entries, se)
	}
	return s
}

// FromSerialized reconstructs a disposable pending-queue template from
// its persisted form, ready to be spliced via PushPendingSingle.
// Await barriers whose descriptor did not resolve against the live
// registry are dropped with a warning, rather than blocking forever on
// a barrier the restarted process can never satisfy; the send entries
// around them are restored unchanged.
func FromSerialized(ctx context.Context, s *SerializedQueue, iface transport.Interface, sendCache, recvCache *cache.Cache, cb Callbacks, log *logging.Logger) (*Queue, error) {
	q := New(ctx, Type(s.Type), 0, iface, sendCache, recvCache, cb, log)
	q.ParameterName = s.ParameterName
	q.Channel = s.Channel
	for _, se := range s.Entries {
		if se.KindByte == 0 {
			p, err := packet.Decode(se.PacketBytes, false)
			if err != nil {
				return nil, err
			}
			p.Burst = se.Burst
			q.entries = append(q.entries, Entry{Kind: EntrySend, Packet: p, Stealthy: se.Stealthy, ForceResend: se.ForceResend})
		} else if se.ResolvedDescriptor != nil {
			q.entries = append(q.entries, Entry{Kind: EntryAwait, Descriptor: se.ResolvedDescriptor, ForceResend: se.ForceResend})
		} else {
			log.Warnf("dropping unresolved await barrier (type=%#x subtype=%d) restoring pending queue", se.DescType, se.DescSubtype)
		}
	}
	return q, nil
}
