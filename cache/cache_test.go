package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Homegear/Homegear-MAX/packet"
)

func TestSetDetectsDuplicateWithinWindow(t *testing.T) {
	c := New()
	addr := packet.Addr(0x1)
	p := &packet.Packet{Counter: 1, Type: 2, Subtype: 3, Sender: addr, Dest: 0, Payload: []byte{1}}
	base := time.Now()

	assert.False(t, c.Set(addr, p, base))
	assert.True(t, c.Set(addr, p, base.Add(100*time.Millisecond)))
	assert.False(t, c.Set(addr, p, base.Add(100*time.Millisecond+DupWindow+time.Millisecond)))
}

func TestSetDoesNotFlagDifferentPacketAsDuplicate(t *testing.T) {
	c := New()
	addr := packet.Addr(0x1)
	p1 := &packet.Packet{Counter: 1, Type: 2, Subtype: 3, Sender: addr}
	p2 := &packet.Packet{Counter: 2, Type: 2, Subtype: 3, Sender: addr}
	base := time.Now()

	assert.False(t, c.Set(addr, p1, base))
	assert.False(t, c.Set(addr, p2, base.Add(time.Millisecond)))
}

func TestGetInfoAndKeepAlive(t *testing.T) {
	c := New()
	addr := packet.Addr(0x2)
	p := &packet.Packet{Counter: 1, Type: 2, Subtype: 3, Sender: addr}
	base := time.Now()
	c.Set(addr, p, base)

	info, ok := c.GetInfo(addr)
	assert.True(t, ok)
	assert.Equal(t, p.HexString(), info.Hex)

	c.KeepAlive(addr, base.Add(time.Second))
	since, ok := c.SinceLast(addr, base.Add(2*time.Second))
	assert.True(t, ok)
	assert.Equal(t, time.Second, since)
}
