package central

import (
	"time"

	"github.com/Homegear/Homegear-MAX/packet"
)

// timePacketType and timePacketSubtype identify the outbound time-sync
// frame (§4.9).
const (
	timePacketType    = 0x03
	timePacketSubtype = 0x00
)

// timePacketPayload packs wall-clock UTC shifted by the local GMT
// offset into the six-byte time-packet body (§4.9). This preserves the
// original's literal bit layout verbatim, including the bug-compat
// caveat flagged in §9: the last two bytes compose from tm_min with
// bits borrowed from the month, not from tm_sec as the field names
// would suggest. Do not "fix" this -- devices in the field depend on
// the exact bytes this produces.
func timePacketPayload(now time.Time) []byte {
	_, offsetSec := now.Zone()
	gmtOff := offsetSec / 60 / 15 // quarter-hour steps, as the original encodes it

	year := now.Year() % 100
	month := int(now.Month())
	mday := now.Day()
	hour := now.Hour()
	min := now.Minute()

	return []byte{
		0,
		byte(year),
		byte(mday) | byte((gmtOff&0x38)<<2),
		byte(hour) | byte((gmtOff&7)<<5),
		byte(min) | byte((month&0x0C)<<4),
		byte(min) | byte((month&3)<<6),
	}
}

// BuildTimePacket implements peer.Owner: it synthesizes the frame
// described by §4.9, addressed from Central to dest.
func (c *Central) BuildTimePacket(dest packet.Addr, counter uint8, burst bool) *packet.Packet {
	return &packet.Packet{
		Counter: counter,
		Type:    timePacketType,
		Subtype: timePacketSubtype,
		Sender:  c.Address,
		Dest:    dest,
		Payload: timePacketPayload(time.Now()),
		Burst:   burst,
	}
}
