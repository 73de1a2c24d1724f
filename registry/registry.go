// Package registry implements the Message Registry (MR): the table of
// known (type, subtype, payload-predicate) descriptors that Central uses
// to recognize an inbound packet and decide whether the current queue
// grants it access.
package registry

import "github.com/Homegear/Homegear-MAX/packet"

// AccessFlags is the bitset controlling which packets a descriptor's
// handler may act on, per spec §3.
type AccessFlags uint8

const (
	AccessNone     AccessFlags = 0
	PairedToSender AccessFlags = 1 << 0
	DestIsMe       AccessFlags = 1 << 1
	Central        AccessFlags = 1 << 2
	Unpairing      AccessFlags = 1 << 3
	Full           AccessFlags = 1 << 7
)

// Predicate pins one payload byte to an expected value; all predicates on
// a Descriptor must hold for it to match.
type Predicate struct {
	PayloadOffset int
	Expected      byte
}

// Handler processes a matched, access-granted packet. ctx.QueueType is
// the active queue's type for the sender address, or "" if there is none.
type Handler func(p *packet.Packet, ctx HandlerContext)

// HandlerContext carries the per-dispatch state a handler needs without
// pulling registry into an import cycle with central/queuemgr.
type HandlerContext struct {
	InPairingMode bool
	QueueType     string
	MessageCount  uint8
}

// Descriptor is one entry in the Message Registry.
type Descriptor struct {
	Name             string
	Type             uint8
	Subtype          int16 // -1 = any
	Predicates       []Predicate
	Access           AccessFlags
	AccessPairing    AccessFlags
	Handler          Handler
}

// Registry is a Message Registry: an ordered, append-only table matched
// first-match-wins, in insertion order (spec §4.2).
type Registry struct {
	descriptors []*Descriptor
}

// New returns an empty Message Registry.
func New() *Registry {
	return &Registry{}
}

// Add appends a descriptor.
func (r *Registry) Add(d *Descriptor) {
	r.descriptors = append(r.descriptors, d)
}

// Find returns the first descriptor matching p, or nil.
func (r *Registry) Find(p *packet.Packet) *Descriptor {
	for _, d := range r.descriptors {
		if matches(d, p) {
			return d
		}
	}
	return nil
}

// FindExact looks up a descriptor by exact (type, subtype, predicates)
// identity, used when building outbound await-barriers that must match a
// specific registered descriptor rather than an inbound packet.
func (r *Registry) FindExact(msgType uint8, subtype int16, predicates []Predicate) *Descriptor {
	for _, d := range r.descriptors {
		if d.Type != msgType || d.Subtype != subtype || len(d.Predicates) != len(predicates) {
			continue
		}
		same := true
		for i := range predicates {
			if d.Predicates[i] != predicates[i] {
				same = false
				break
			}
		}
		if same {
			return d
		}
	}
	return nil
}

// Matches reports whether p satisfies descriptor d's type/subtype/
// predicate rule (§4.2), independent of access control.
func Matches(d *Descriptor, p *packet.Packet) bool {
	return matches(d, p)
}

func matches(d *Descriptor, p *packet.Packet) bool {
	if d.Type != p.Type {
		return false
	}
	if d.Subtype != -1 && int16(p.Subtype) != -1 && d.Subtype != int16(p.Subtype) {
		return false
	}
	for _, pred := range d.Predicates {
		if pred.PayloadOffset >= len(p.Payload) || p.Payload[pred.PayloadOffset] != pred.Expected {
			return false
		}
	}
	return true
}

// CheckAccess evaluates the bitwise access rule from spec §3 against a
// descriptor's effective mask (pairing-mode swaps Access for
// AccessPairing).
//
// The "pop an entry when a resent stimulus arrives" behavior (REDESIGN
// FLAGS §9) is deliberately NOT folded in here: it mutates the queue,
// which this pure predicate must not do. central.Central models it
// explicitly around the call to CheckAccess instead.
func CheckAccess(d *Descriptor, inPairing bool, queueType string, selfAddr packet.Addr, sender packet.Addr, dest packet.Addr, senderIsKnownPeer bool, centralAddrOfPeer packet.Addr) bool {
	access := d.Access
	if inPairing {
		access = d.AccessPairing
	}
	if access == AccessNone {
		return false
	}
	if access&Full != 0 {
		return true
	}
	if access&DestIsMe != 0 && dest != selfAddr {
		return false
	}
	if access&Unpairing != 0 && queueType != "UNPAIRING" {
		return false
	}
	if access&PairedToSender != 0 && !senderIsKnownPeer {
		return false
	}
	if access&Central != 0 && centralAddrOfPeer != sender {
		return false
	}
	return true
}
