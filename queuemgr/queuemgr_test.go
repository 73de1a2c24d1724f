package queuemgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Homegear/Homegear-MAX/cache"
	"github.com/Homegear/Homegear-MAX/logging"
	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/pqueue"
	"github.com/Homegear/Homegear-MAX/transport"
)

type noopInterface struct{}

func (noopInterface) ID() string                      { return "noop" }
func (noopInterface) Kind() transport.Kind            { return transport.KindSerialDongle }
func (noopInterface) IsDefault() bool                 { return true }
func (noopInterface) ResponseDelay() time.Duration    { return time.Hour }
func (noopInterface) IsOpen() bool                    { return true }
func (noopInterface) Open(ctx context.Context) error  { return nil }
func (noopInterface) Close() error                    { return nil }
func (noopInterface) SetReceiver(fn func(*packet.Packet)) {}
func (noopInterface) Send(ctx context.Context, p *packet.Packet, burst bool) error { return nil }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(context.Background(), cache.New(), cache.New(), logging.New("test"))
}

func TestCreateEnforcesAtMostOneQueuePerAddress(t *testing.T) {
	m := newTestManager(t)
	addr := packet.Addr(0x10)

	q1 := m.Create(pqueue.TypeDefault, addr, noopInterface{})
	q2 := m.Create(pqueue.TypePairing, addr, noopInterface{})

	assert.NotSame(t, q1, q2)
	assert.Same(t, q2, m.Get(addr))
	assert.Equal(t, pqueue.TypePairing, m.Get(addr).GetType(), "second Create replaces the existing queue")
}

func TestGetReturnsNilWhenNoQueue(t *testing.T) {
	m := newTestManager(t)
	assert.Nil(t, m.Get(packet.Addr(0x1)))
}

func TestDisposeRemovesQueueAndAllowsRecreate(t *testing.T) {
	m := newTestManager(t)
	addr := packet.Addr(0x20)
	q1 := m.Create(pqueue.TypeDefault, addr, noopInterface{})

	m.Dispose(addr)
	assert.Nil(t, m.Get(addr))

	q2 := m.Create(pqueue.TypePairing, addr, noopInterface{})
	assert.NotSame(t, q1, q2)
}

func TestOnIdleCallbackRemovesQueueFromManager(t *testing.T) {
	m := newTestManager(t)
	addr := packet.Addr(0x30)
	q := m.Create(pqueue.TypeDefault, addr, noopInterface{})
	q.PushSend(&packet.Packet{Type: 1}, false, false)

	q.Pop() // drains to empty with no pending templates -> OnIdle -> Dispose

	require.Eventually(t, func() bool { return m.Get(addr) == nil }, time.Second, time.Millisecond)
}

func TestStopDisposesAllQueues(t *testing.T) {
	m := newTestManager(t)
	m.Create(pqueue.TypeDefault, packet.Addr(0x1), noopInterface{})
	m.Create(pqueue.TypeDefault, packet.Addr(0x2), noopInterface{})
	require.Equal(t, 2, m.Count())

	m.Stop()

	assert.Equal(t, 0, m.Count())
}
