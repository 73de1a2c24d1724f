// Package packet implements the MAX! radio wire frame: parsing, encoding,
// and the sub-byte bit addressing device descriptions use to place values
// inside a frame body.
package packet

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// MaxPayloadLen is the largest payload a single MAX! frame can carry.
const MaxPayloadLen = 54

// Addr is a 24-bit MAX! device address.
type Addr uint32

func (a Addr) String() string {
	return fmt.Sprintf("%06X", uint32(a)&0xFFFFFF)
}

// Packet is one MAX! radio frame, already split into its logical fields.
//
// Length is derived, not stored: it is always 9+len(Payload) and is
// recomputed by Encode.
type Packet struct {
	Counter     uint8
	Type        uint8
	Subtype     uint8
	Sender      Addr
	Dest        Addr
	Payload     []byte
	Burst       bool  // wake-on-radio preamble requested on send; never on the wire itself
	RSSIDevice  uint8 // valid only on received packets with a trailing RSSI byte
	HasRSSI     bool
	TimeRecvMs  int64
}

// Length is the wire length byte: 9 header bytes (counter, type, subtype,
// 3 sender, 3 dest) plus the payload.
func (p *Packet) Length() uint8 {
	return uint8(9 + len(p.Payload))
}

// Equal compares two packets by wire-relevant fields only (Burst and
// TimeRecvMs are transport/ingress metadata, not part of the frame).
func (p *Packet) Equal(o *Packet) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Counter != o.Counter || p.Type != o.Type || p.Subtype != o.Subtype {
		return false
	}
	if p.Sender != o.Sender || p.Dest != o.Dest {
		return false
	}
	if len(p.Payload) != len(o.Payload) {
		return false
	}
	for i := range p.Payload {
		if p.Payload[i] != o.Payload[i] {
			return false
		}
	}
	return true
}

// HexString renders the packet in the lowercase hex form used on the wire
// and in logs.
func (p *Packet) HexString() string {
	return hex.EncodeToString(Encode(p, false))
}

// ParseHex parses a whitespace-tolerant hex packet string, ignoring a
// single leading tag character when the remainder still decodes to an
// even number of hex digits (dongle lines are sometimes prefixed, e.g.
// with the stack-position marker).
func ParseHex(s string, hasRSSI bool) (*Packet, error) {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
	if len(s)%2 != 0 && len(s) > 0 {
		s = s[1:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("packet: invalid hex %q: %w", s, err)
	}
	return Decode(b, hasRSSI)
}
