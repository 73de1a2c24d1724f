// Package pqueue implements the Packet Queue (PQ, §4.4): the ordered
// sequence of send/await entries that drives one peer address's radio
// conversation, its resend timer, and the Pending-Queues splice point.
//
// Unlike the original's thread-per-queue model (one send thread, one
// resend-timer thread, one pop-wait thread per queue — §5), this
// re-architects per the REDESIGN FLAGS: every queue is driven by
// runtime-scheduled Timers (see timer.go) under the queue's own mutex,
// with zero long-lived goroutines at rest.
package pqueue

import (
	"context"
	"sync"
	"time"

	"github.com/Homegear/Homegear-MAX/cache"
	"github.com/Homegear/Homegear-MAX/logging"
	"github.com/Homegear/Homegear-MAX/metrics"
	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/registry"
	"github.com/Homegear/Homegear-MAX/transport"
)

// Type is the queue's role, which gates access control in the Message
// Registry (§3, §4.5). It does not affect the retry budget: every queue
// starts with DefaultRetries.
type Type string

const (
	TypeEmpty     Type = "EMPTY"
	TypeDefault   Type = "DEFAULT"
	TypePairing   Type = "PAIRING"
	TypeUnpairing Type = "UNPAIRING"
	TypeConfig    Type = "CONFIG"
	TypePeer      Type = "PEER"
)

// DefaultRetries and SwitchRetries are the two retry budgets named in
// §4.4 ("default 3, switches 12").
const (
	DefaultRetries = 3
	SwitchRetries  = 12
)

// EntryKind tags a Entry as a packet to transmit or a barrier awaiting a
// matching reply.
type EntryKind int

const (
	EntrySend EntryKind = iota
	EntryAwait
)

// Entry is one Packet Queue Entry (§3): a tagged union of SendPacket or
// AwaitMessage.
type Entry struct {
	Kind        EntryKind
	Packet      *packet.Packet      // valid when Kind == EntrySend
	Stealthy    bool                // EntrySend: the send is not recorded in the send cache
	ForceResend bool                // resend forever past Retries until Clear()
	Descriptor  *registry.Descriptor // valid when Kind == EntryAwait
}

// Callbacks lets the owner (central/queuemgr) react to queue lifecycle
// events without pqueue importing them.
type Callbacks struct {
	// OnExhausted fires when a SendPacket entry's retries run out
	// without ForceResend. The queue keeps its head; the caller decides
	// whether to Clear() or leave the failure surfaced via service
	// messages.
	OnExhausted func(q *Queue)
	// OnIdle fires when the queue has drained to empty with no pending
	// templates left, so the owner (e.g. a worker sweep, §4.5) may
	// delete it.
	OnIdle func(q *Queue)
	// OnSendError fires when Interface.Send returns an error.
	OnSendError func(q *Queue, err error)
}

// Queue is one PacketQueue (§3, §4.4).
type Queue struct {
	mu sync.Mutex

	Type          Type
	Address       packet.Addr
	PeerID        uint64
	ParameterName string
	Channel       int32
	Retries       uint8
	NoSending     bool

	entries  []Entry
	pending  []*Queue // spliced template queues (push_pending / push_pending_single)
	disposed bool

	resendCounter    uint8
	lastPopMs        int64
	workingOnPending bool

	iface     transport.Interface
	sendCache *cache.Cache
	recvCache *cache.Cache
	log       *logging.Logger
	cb        Callbacks

	resendTimer  *Timer
	popWaitTimer *Timer

	sendCtx context.Context
}

// New returns an empty Queue of the given type for addr, driven by
// iface. sendCache/recvCache are Central's packet caches, used for
// inter-packet spacing (§4.4).
func New(ctx context.Context, qtype Type, addr packet.Addr, iface transport.Interface, sendCache, recvCache *cache.Cache, cb Callbacks, log *logging.Logger) *Queue {
	q := &Queue{
		Type:      qtype,
		Address:   addr,
		Retries:   DefaultRetries,
		iface:     iface,
		sendCache: sendCache,
		recvCache: recvCache,
		cb:        cb,
		log:       log,
		sendCtx:   ctx,
	}
	q.resendTimer = NewTimer(q.onResendTimer)
	q.popWaitTimer = NewTimer(q.onPopWaitTimer)
	return q
}

// IsEmpty reports whether the queue has no entries left.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) == 0
}

// PendingQueuesEmpty reports whether there are no spliced templates left
// to promote once entries drains.
func (q *Queue) PendingQueuesEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0
}

// Front returns a copy of the head entry, or false if empty.
func (q *Queue) Front() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// PushSend appends a SendPacket entry. If the queue was empty, the new
// entry is now the head and its send cycle begins immediately (§4.4); if
// the head is an AwaitMessage, the new entry waits its turn.
func (q *Queue) PushSend(p *packet.Packet, stealthy, forceResend bool) {
	q.mu.Lock()
	wasEmpty := len(q.entries) == 0
	q.entries = append(q.entries, Entry{Kind: EntrySend, Packet: p, Stealthy: stealthy, ForceResend: forceResend})
	q.mu.Unlock()
	if wasEmpty {
		q.beginSendCycle()
	}
}

// PushAwait appends an AwaitMessage barrier.
func (q *Queue) PushAwait(desc *registry.Descriptor, forceResend bool) {
	q.mu.Lock()
	q.entries = append(q.entries, Entry{Kind: EntryAwait, Descriptor: desc, ForceResend: forceResend})
	q.mu.Unlock()
}

// PushFront inserts p at the head, used by the access layer when a
// resent stimulus must jump the line (§4.4, §9 REDESIGN FLAGS). If
// popFirst, the current head is dropped before inserting.
func (q *Queue) PushFront(p *packet.Packet, popFirst, stealthy, forceResend bool) {
	q.mu.Lock()
	if popFirst && len(q.entries) > 0 {
		q.entries = q.entries[1:]
	}
	e := Entry{Kind: EntrySend, Packet: p, Stealthy: stealthy, ForceResend: forceResend}
	q.entries = append([]Entry{e}, q.entries...)
	q.resendCounter = 0
	q.mu.Unlock()
	q.beginSendCycle()
}

// PushPending splices a list of template queues to be promoted, in
// order, once entries drains (§4.4 push_pending).
func (q *Queue) PushPending(templates []*Queue) {
	q.mu.Lock()
	q.pending = append(q.pending, templates...)
	q.mu.Unlock()
}

// PushPendingSingle splices a single template queue.
func (q *Queue) PushPendingSingle(t *Queue) {
	q.PushPending([]*Queue{t})
}

// NewTemplate returns a disposable queue used purely as a data holder
// until a peer's PendingQueues are promoted to an active queue (§4.4,
// §4.8). A template has no transport, caches, or timers; build it with
// AppendSend/PushAwait, then hand it to an active Queue's AdoptTemplate
// (or PushPendingSingle) -- never call PushSend/PushFront on it
// directly, since that would begin a send cycle against a nil
// transport.Interface.
func NewTemplate(qtype Type, paramName string, channel int32) *Queue {
	return &Queue{Type: qtype, ParameterName: paramName, Channel: channel, Retries: DefaultRetries}
}

// AppendSend adds a SendPacket entry to a template queue without
// beginning a send cycle.
func (q *Queue) AppendSend(p *packet.Packet, stealthy, forceResend bool) {
	q.mu.Lock()
	q.entries = append(q.entries, Entry{Kind: EntrySend, Packet: p, Stealthy: stealthy, ForceResend: forceResend})
	q.mu.Unlock()
}

// AdoptTemplate splices template t onto an active queue: if q is
// currently idle (no entries, no pending), t is morphed in directly and
// its send cycle begins immediately; otherwise t joins the pending list
// for later promotion via Pop (§4.4, §4.8's "splice immediately if
// reachable").
func (q *Queue) AdoptTemplate(t *Queue) {
	q.mu.Lock()
	if len(q.entries) != 0 || len(q.pending) != 0 {
		q.pending = append(q.pending, t)
		q.mu.Unlock()
		return
	}
	q.morphInto(t)
	var headToSend *Entry
	if len(q.entries) > 0 && q.entries[0].Kind == EntrySend {
		e := q.entries[0]
		headToSend = &e
	}
	q.mu.Unlock()
	if headToSend != nil {
		q.beginSendCycle()
	}
}

// Pop retires the head entry. If the new head is a SendPacket, its send
// cycle begins; if entries drains and a pending template exists, the
// next template is promoted into this queue (§4.4).
func (q *Queue) Pop() {
	q.mu.Lock()
	q.resendTimer.Del()
	if len(q.entries) > 0 {
		q.entries = q.entries[1:]
	}
	q.resendCounter = 0

	if len(q.entries) == 0 && len(q.pending) > 0 {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.morphInto(next)
	}

	var headToSend *Entry
	if len(q.entries) > 0 && q.entries[0].Kind == EntrySend {
		e := q.entries[0]
		headToSend = &e
	}
	idle := len(q.entries) == 0 && len(q.pending) == 0
	q.mu.Unlock()

	if headToSend != nil {
		q.beginSendCycle()
	} else if idle && q.cb.OnIdle != nil {
		q.cb.OnIdle(q)
	}
}

// morphInto takes on next's entries/type/retries/paramset identity, the
// way the original queue mutated itself in place when promoting a
// pending queue rather than allocating a fresh object. Caller holds q.mu.
func (q *Queue) morphInto(next *Queue) {
	q.Type = next.Type
	q.Retries = next.Retries
	q.ParameterName = next.ParameterName
	q.Channel = next.Channel
	q.entries = next.entries
	q.pending = append(q.pending, next.pending...)
}

// PopWait schedules a deferred Pop after d — used when an ACK arrives
// but the peer is expected to emit more before the queue should advance
// (§4.4).
func (q *Queue) PopWait(d time.Duration) {
	q.popWaitTimer.Mod(d)
}

func (q *Queue) onPopWaitTimer() {
	q.Pop()
}

// Clear stops all timers and drops every entry and pending template.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.resendTimer.Del()
	q.popWaitTimer.Del()
	q.entries = nil
	q.pending = nil
	q.resendCounter = 0
	q.mu.Unlock()
}

// Dispose is Clear plus marking the queue unusable; no further sends are
// scheduled after this.
func (q *Queue) Dispose() {
	q.mu.Lock()
	q.disposed = true
	q.mu.Unlock()
	q.Clear()
}

// spacingDelay returns how long to wait before transmitting to Address,
// enforcing the MAX! listen-window on both ends by consulting both
// packet caches (§4.4 "Inter-packet spacing").
func (q *Queue) spacingDelay(now time.Time) time.Duration {
	delay := q.iface.ResponseDelay()
	shortest := delay
	if since, ok := q.sendCache.SinceLast(q.Address, now); ok && since < shortest {
		shortest = since
	}
	if since, ok := q.recvCache.SinceLast(q.Address, now); ok && since < shortest {
		shortest = since
	}
	if shortest >= delay {
		return 0
	}
	return delay - shortest
}

func (q *Queue) beginSendCycle() {
	q.mu.Lock()
	if q.disposed || q.NoSending || len(q.entries) == 0 || q.entries[0].Kind != EntrySend {
		q.mu.Unlock()
		return
	}
	wait := q.spacingDelay(time.Now())
	q.mu.Unlock()

	if wait <= 0 {
		q.doSend()
		return
	}
	time.AfterFunc(wait, q.doSend)
}

func (q *Queue) doSend() {
	q.mu.Lock()
	if q.disposed || len(q.entries) == 0 || q.entries[0].Kind != EntrySend {
		q.mu.Unlock()
		return
	}
	e := q.entries[0]
	q.mu.Unlock()

	if e.Packet.Burst {
		time.Sleep(100 * time.Millisecond)
	}
	err := q.iface.Send(q.sendCtx, e.Packet, e.Packet.Burst)

	q.mu.Lock()
	q.lastPopMs = time.Now().UnixMilli()
	respDelay := q.iface.ResponseDelay()
	q.mu.Unlock()

	if !e.Stealthy {
		q.sendCache.Set(q.Address, e.Packet, time.Now())
	}

	if err != nil {
		if q.cb.OnSendError != nil {
			q.cb.OnSendError(q, err)
		}
	}

	gap := gapForAttempt(1, e.Packet.Burst)
	q.resendTimer.Mod(respDelay + gap)
}

// gapForAttempt implements the escalating resend cadence from §4.4:
// attempts 1-3 use 200ms (3000ms burst), attempts 4-N use 400ms (4000ms
// burst).
func gapForAttempt(attempt int, burst bool) time.Duration {
	if attempt <= 3 {
		if burst {
			return 3000 * time.Millisecond
		}
		return 200 * time.Millisecond
	}
	if burst {
		return 4000 * time.Millisecond
	}
	return 400 * time.Millisecond
}

func (q *Queue) onResendTimer() {
	q.mu.Lock()
	if q.disposed || len(q.entries) == 0 || q.entries[0].Kind != EntrySend {
		q.mu.Unlock()
		return
	}
	e := q.entries[0]
	retries := q.Retries
	q.resendCounter++
	attempt := int(q.resendCounter) + 1 // the initial send was attempt 1
	exhausted := !e.ForceResend && q.resendCounter > retries
	q.mu.Unlock()

	if exhausted {
		q.mu.Lock()
		q.resendCounter = 0
		q.mu.Unlock()
		if q.cb.OnExhausted != nil {
			q.cb.OnExhausted(q)
		}
		return
	}

	metrics.Resends.WithLabelValues(string(q.GetType())).Inc()
	if e.Packet.Burst {
		time.Sleep(100 * time.Millisecond)
	}
	err := q.iface.Send(q.sendCtx, e.Packet, e.Packet.Burst)
	if err != nil && q.cb.OnSendError != nil {
		q.cb.OnSendError(q, err)
	}
	if !e.Stealthy {
		q.sendCache.Set(q.Address, e.Packet, time.Now())
	}

	q.mu.Lock()
	respDelay := q.iface.ResponseDelay()
	q.mu.Unlock()
	gap := gapForAttempt(attempt, e.Packet.Burst)
	q.resendTimer.Mod(respDelay + gap)
}

// MatchAwait reports whether the current head is an AwaitMessage that p
// satisfies (by the Message Registry's type/subtype/predicate rule).
func (q *Queue) MatchAwait(p *packet.Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 || q.entries[0].Kind != EntryAwait {
		return false
	}
	return registry.Matches(q.entries[0].Descriptor, p)
}

// KeepAlive refreshes the last-activity timestamp used for idle sweeps.
func (q *Queue) KeepAlive() {
	q.mu.Lock()
	q.lastPopMs = time.Now().UnixMilli()
	q.mu.Unlock()
}

// LastActivity returns the last pop/send timestamp in unix ms.
func (q *Queue) LastActivity() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastPopMs
}

// GetType returns the queue's current type, which morphInto can change
// out from under a caller holding no lock of its own.
func (q *Queue) GetType() Type {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Type
}
