package packet

import "fmt"

// Decode parses a wire frame. hasRSSI indicates the transport appended one
// RSSI byte after the payload (receive-only; gateway and most serial
// dongles do this on inbound lines).
func Decode(b []byte, hasRSSI bool) (*Packet, error) {
	if len(b) < 10 {
		return nil, fmt.Errorf("packet: frame too short: %d bytes", len(b))
	}
	length := b[0]
	want := int(length) + 1
	if hasRSSI {
		want++
	}
	if want != len(b) {
		return nil, fmt.Errorf("packet: length mismatch: header says %d, got %d bytes (hasRSSI=%v)", length, len(b), hasRSSI)
	}

	p := &Packet{
		Counter: b[1],
		Type:    b[2],
		Subtype: b[3],
		Sender:  Addr(uint32(b[4])<<16 | uint32(b[5])<<8 | uint32(b[6])),
		Dest:    Addr(uint32(b[7])<<16 | uint32(b[8])<<8 | uint32(b[9])),
	}
	payloadEnd := len(b)
	if hasRSSI {
		p.RSSIDevice = b[len(b)-1]
		p.HasRSSI = true
		payloadEnd--
	}
	if payloadEnd > 10 {
		p.Payload = append([]byte(nil), b[10:payloadEnd]...)
	}
	if len(p.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("packet: payload too long: %d bytes (max %d)", len(p.Payload), MaxPayloadLen)
	}
	return p, nil
}

// Encode serializes a frame. withRSSI appends the device RSSI byte
// (outbound frames never carry one; it is only meaningful on receive, but
// Encode supports it for cache/log round-tripping of received packets).
func Encode(p *Packet, withRSSI bool) []byte {
	n := 10 + len(p.Payload)
	if withRSSI {
		n++
	}
	out := make([]byte, n)
	out[0] = p.Length()
	out[1] = p.Counter
	out[2] = p.Type
	out[3] = p.Subtype
	out[4] = byte(p.Sender >> 16)
	out[5] = byte(p.Sender >> 8)
	out[6] = byte(p.Sender)
	out[7] = byte(p.Dest >> 16)
	out[8] = byte(p.Dest >> 8)
	out[9] = byte(p.Dest)
	copy(out[10:], p.Payload)
	if withRSSI {
		out[n-1] = p.RSSIDevice
	}
	return out
}

// ValidatePayloadLen rejects payloads that cannot fit in a single frame.
func ValidatePayloadLen(n int) error {
	if n > MaxPayloadLen {
		return fmt.Errorf("packet: payload length %d exceeds maximum %d", n, MaxPayloadLen)
	}
	return nil
}
