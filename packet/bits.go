package packet

import (
	"fmt"
	"math"
)

// Index is a sub-byte field address, modeled as the design calls for:
// an explicit (byte offset, bit offset, bit size) triple rather than the
// floating-point "double index" the original device descriptions used.
// DecodeIndex/DecodeSize translate the legacy double notation (e.g. a
// byte.bit index of 3.5, a size of 1.2) into this triple.
type Index struct {
	ByteOffset int
	BitOffset  int // 0-7, counted from the low (least significant) bit
	BitSize    int
}

// DecodeIndex turns a legacy "byte.bit" double into a byte/bit offset
// pair: the integer part is the byte offset, the first decimal digit is
// the bit offset.
func DecodeIndex(idx float64) (byteOffset, bitOffset int) {
	byteOffset = int(idx)
	frac := idx - math.Trunc(idx)
	bitOffset = int(math.Round(frac * 10))
	return
}

// DecodeSize turns a legacy double size into a bit count: the integer
// part counts full bytes (8 bits each), the first decimal digit counts
// extra bits.
func DecodeSize(size float64) int {
	whole := int(size)
	frac := size - math.Trunc(size)
	extraBits := int(math.Round(frac * 10))
	return whole*8 + extraBits
}

// NewIndex builds an Index from the legacy double (index, size) pair used
// throughout the Homegear device-description convention: index counts
// from the counter byte (position 0), so a payload byte at payload
// offset k has index k+9.
func NewIndex(index, size float64) Index {
	b, bit := DecodeIndex(index)
	return Index{ByteOffset: b, BitOffset: bit, BitSize: DecodeSize(size)}
}

// body returns the frame body Index addressing operates on: the wire
// frame without its leading length byte, so ByteOffset 0 is the counter
// and ByteOffset 9 is the first payload byte.
func body(p *Packet) []byte {
	b := make([]byte, 9+len(p.Payload))
	b[0] = p.Counter
	b[1] = p.Type
	b[2] = p.Subtype
	b[3] = byte(p.Sender >> 16)
	b[4] = byte(p.Sender >> 8)
	b[5] = byte(p.Sender)
	b[6] = byte(p.Dest >> 16)
	b[7] = byte(p.Dest >> 8)
	b[8] = byte(p.Dest)
	copy(b[9:], p.Payload)
	return b
}

func nBytesFor(idx Index) int {
	if idx.BitOffset == 0 && idx.BitSize%8 == 0 {
		return idx.BitSize / 8
	}
	return 1
}

// GetBits reads the field addressed by idx out of the packet body,
// returning it right-aligned in the returned byte slice (big-endian,
// most significant byte first). mask, when >= 0, is AND-ed with the
// result's final byte, mirroring the original's optional payload mask.
//
// Only byte-aligned multi-byte fields (BitOffset 0, BitSize a multiple of
// 8) and single-byte sub-fields (BitOffset+BitSize <= 8) are supported;
// a field straddling a byte boundary without being byte-aligned is
// rejected, matching §4.1's "reject if the field straddles the payload
// end" contract generalized to any byte straddle.
func (p *Packet) GetBits(idx Index, mask int32) ([]byte, error) {
	buf := body(p)
	if idx.BitOffset+idx.BitSize > 8 && !(idx.BitOffset == 0 && idx.BitSize%8 == 0) {
		return nil, errFieldOutOfRange(idx, len(buf))
	}
	n := nBytesFor(idx)
	if idx.ByteOffset < 0 || idx.ByteOffset+n > len(buf) {
		return nil, errFieldOutOfRange(idx, len(buf))
	}

	if n > 1 {
		out := append([]byte(nil), buf[idx.ByteOffset:idx.ByteOffset+n]...)
		if mask >= 0 && len(out) > 0 {
			out[len(out)-1] &= byte(mask)
		}
		return out, nil
	}

	v := (buf[idx.ByteOffset] >> uint(idx.BitOffset)) & byte((1<<uint(idx.BitSize))-1)
	if mask >= 0 {
		v &= byte(mask)
	}
	return []byte{v}, nil
}

// SetPosition writes value's bits into the packet at idx, growing the
// payload if needed. It rejects fields that would straddle or exceed the
// end of the payload.
func (p *Packet) SetPosition(idx Index, value []byte) error {
	if idx.BitOffset+idx.BitSize > 8 && !(idx.BitOffset == 0 && idx.BitSize%8 == 0) {
		return errFieldOutOfRange(idx, 9+MaxPayloadLen)
	}
	n := nBytesFor(idx)
	need := idx.ByteOffset + n
	if need > 9+MaxPayloadLen {
		return errFieldOutOfRange(idx, 9+MaxPayloadLen)
	}
	if need > 9+len(p.Payload) {
		grown := make([]byte, need-9)
		copy(grown, p.Payload)
		p.Payload = grown
	}

	buf := body(p)
	if n > 1 {
		copy(buf[idx.ByteOffset:idx.ByteOffset+n], value)
	} else {
		var v byte
		if len(value) > 0 {
			v = value[len(value)-1]
		}
		mask := byte((1<<uint(idx.BitSize) - 1))
		v &= mask
		buf[idx.ByteOffset] = (buf[idx.ByteOffset] &^ (mask << uint(idx.BitOffset))) | (v << uint(idx.BitOffset))
	}

	writeBack(p, buf)
	return nil
}

func writeBack(p *Packet, buf []byte) {
	p.Counter = buf[0]
	p.Type = buf[1]
	p.Subtype = buf[2]
	p.Sender = Addr(uint32(buf[3])<<16 | uint32(buf[4])<<8 | uint32(buf[5]))
	p.Dest = Addr(uint32(buf[6])<<16 | uint32(buf[7])<<8 | uint32(buf[8]))
	copy(p.Payload, buf[9:])
}

type fieldRangeError struct {
	idx Index
	max int
}

func (e *fieldRangeError) Error() string {
	return fmt.Sprintf("packet: field at byte offset %d straddles end of frame (max %d bytes)", e.idx.ByteOffset, e.max)
}

func errFieldOutOfRange(idx Index, max int) error {
	return &fieldRangeError{idx: idx, max: max}
}
