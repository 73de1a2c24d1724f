package pqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Homegear/Homegear-MAX/cache"
	"github.com/Homegear/Homegear-MAX/logging"
	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/transport"
)

// fakeInterface is a minimal transport.Interface recording every Send.
type fakeInterface struct {
	mu       sync.Mutex
	sent     []*packet.Packet
	delay    time.Duration
	sendErr  error
	receiver func(*packet.Packet)
}

func (f *fakeInterface) ID() string                   { return "fake" }
func (f *fakeInterface) Kind() transport.Kind         { return transport.KindSerialDongle }
func (f *fakeInterface) IsDefault() bool              { return true }
func (f *fakeInterface) ResponseDelay() time.Duration { return f.delay }
func (f *fakeInterface) IsOpen() bool                 { return true }
func (f *fakeInterface) Open(ctx context.Context) error { return nil }
func (f *fakeInterface) Close() error                   { return nil }
func (f *fakeInterface) SetReceiver(fn func(*packet.Packet)) { f.receiver = fn }

func (f *fakeInterface) Send(ctx context.Context, p *packet.Packet, burst bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return f.sendErr
}

func (f *fakeInterface) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestQueue(t *testing.T, iface transport.Interface, cb Callbacks) *Queue {
	t.Helper()
	return New(context.Background(), TypeDefault, packet.Addr(0x1), iface,
		cache.New(), cache.New(), cb, logging.New("test"))
}

func TestPushSendTransmitsImmediatelyWhenEmpty(t *testing.T) {
	iface := &fakeInterface{delay: time.Millisecond}
	q := newTestQueue(t, iface, Callbacks{})
	p := &packet.Packet{Type: 1, Sender: 2, Dest: 1}

	q.PushSend(p, false, false)

	require.Eventually(t, func() bool { return iface.sentCount() == 1 }, time.Second, time.Millisecond)
	q.Dispose()
}

func TestPushAwaitBlocksSubsequentSend(t *testing.T) {
	iface := &fakeInterface{delay: time.Millisecond}
	q := newTestQueue(t, iface, Callbacks{})

	q.PushAwait(nil, false)
	q.PushSend(&packet.Packet{Type: 1}, false, false)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, iface.sentCount(), "send must wait behind the await barrier")

	q.Pop() // retire the await
	require.Eventually(t, func() bool { return iface.sentCount() == 1 }, time.Second, time.Millisecond)
	q.Dispose()
}

func TestResendEscalatesOnNoPop(t *testing.T) {
	iface := &fakeInterface{delay: time.Millisecond}
	q := newTestQueue(t, iface, Callbacks{})
	q.Retries = 2
	p := &packet.Packet{Type: 1}

	q.PushSend(p, false, false)

	require.Eventually(t, func() bool { return iface.sentCount() >= 1 }, time.Second, time.Millisecond)
	// resend cadence for the first few attempts is short (≤200ms); two
	// retries beyond the initial send should all land within ~1s.
	require.Eventually(t, func() bool { return iface.sentCount() >= 3 }, 2*time.Second, time.Millisecond)
	q.Dispose()
}

func TestExhaustedCallbackFiresAfterRetries(t *testing.T) {
	iface := &fakeInterface{delay: time.Millisecond}
	var exhausted bool
	var mu sync.Mutex
	cb := Callbacks{OnExhausted: func(q *Queue) {
		mu.Lock()
		exhausted = true
		mu.Unlock()
	}}
	q := newTestQueue(t, iface, cb)
	q.Retries = 1
	q.PushSend(&packet.Packet{Type: 1}, false, false)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return exhausted
	}, 2*time.Second, time.Millisecond)
	q.Dispose()
}

func TestPopPromotesPendingQueueByMorphing(t *testing.T) {
	iface := &fakeInterface{delay: time.Millisecond}
	q := newTestQueue(t, iface, Callbacks{})
	q.entries = []Entry{{Kind: EntrySend, Packet: &packet.Packet{Type: 1}}}

	next := newTestQueue(t, iface, Callbacks{})
	next.Type = TypePairing
	next.entries = []Entry{{Kind: EntrySend, Packet: &packet.Packet{Type: 2}}}
	q.PushPendingSingle(next)

	q.Pop()

	assert.Equal(t, TypePairing, q.Type)
	front, ok := q.Front()
	require.True(t, ok)
	assert.Equal(t, uint8(2), front.Packet.Type)
	q.Dispose()
}

func TestClearRemovesEntriesAndPending(t *testing.T) {
	iface := &fakeInterface{delay: time.Hour}
	q := newTestQueue(t, iface, Callbacks{})
	q.PushSend(&packet.Packet{Type: 1}, false, false)
	q.PushPendingSingle(newTestQueue(t, iface, Callbacks{}))

	q.Clear()

	assert.True(t, q.IsEmpty())
	assert.True(t, q.PendingQueuesEmpty())
}

func TestOnIdleFiresWhenQueueDrainsWithNoPending(t *testing.T) {
	iface := &fakeInterface{delay: time.Hour}
	var idle bool
	var mu sync.Mutex
	cb := Callbacks{OnIdle: func(q *Queue) {
		mu.Lock()
		idle = true
		mu.Unlock()
	}}
	q := newTestQueue(t, iface, cb)
	q.entries = []Entry{{Kind: EntrySend, Packet: &packet.Packet{Type: 1}}}

	q.Pop()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, idle)
}
