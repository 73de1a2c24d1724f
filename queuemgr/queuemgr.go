// Package queuemgr implements the Queue Manager (QM, §4.5): the
// at-most-one-queue-per-address registry that owns every active Packet
// Queue and sweeps idle ones away.
//
// The locked keyMap-of-pointers shape is grounded on the teacher's
// device.peers (device/device.go: "peers struct { sync.RWMutex; keyMap
// map[NoisePublicKey]*Peer }") generalized from a public-key key to a
// radio address key.
package queuemgr

import (
	"context"
	"sync"
	"time"

	"github.com/Homegear/Homegear-MAX/cache"
	"github.com/Homegear/Homegear-MAX/logging"
	"github.com/Homegear/Homegear-MAX/metrics"
	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/pqueue"
	"github.com/Homegear/Homegear-MAX/transport"
)

// IdleTimeout is how long a drained, pending-empty queue survives before
// a sweep deletes it (§4.5).
const IdleTimeout = 2 * time.Minute

// Manager owns the one-queue-per-address invariant.
type Manager struct {
	queues struct {
		sync.RWMutex
		byAddr map[packet.Addr]*pqueue.Queue
	}

	sendCache *cache.Cache
	recvCache *cache.Cache
	log       *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an empty Manager. Central owns one Manager across every
// physical interface; Create is given the interface to bind each new
// queue to, since a peer's physical_interface_id can differ per address
// (§3, §4.5).
func New(ctx context.Context, sendCache, recvCache *cache.Cache, log *logging.Logger) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{sendCache: sendCache, recvCache: recvCache, log: log, ctx: ctx, cancel: cancel}
	m.queues.byAddr = make(map[packet.Addr]*pqueue.Queue)
	return m
}

// Get returns the active queue for addr, or nil if none exists.
func (m *Manager) Get(addr packet.Addr) *pqueue.Queue {
	m.queues.RLock()
	defer m.queues.RUnlock()
	return m.queues.byAddr[addr]
}

// Create replaces any existing queue for addr with a fresh one of qtype
// bound to iface, enforcing the at-most-one invariant (§4.5). A stale
// queue's resend timer is stopped before it's dropped, so an
// interrupted prior exchange never keeps ticking against the new one.
func (m *Manager) Create(qtype pqueue.Type, addr packet.Addr, iface transport.Interface) *pqueue.Queue {
	m.queues.Lock()
	defer m.queues.Unlock()
	if old, ok := m.queues.byAddr[addr]; ok {
		old.Dispose()
	}
	cb := pqueue.Callbacks{
		OnIdle:      m.onQueueIdle(addr),
		OnExhausted: m.onQueueExhausted,
		OnSendError: m.onQueueSendError,
	}
	q := pqueue.New(m.ctx, qtype, addr, iface, m.sendCache, m.recvCache, cb, m.log)
	m.queues.byAddr[addr] = q
	metrics.ActiveQueues.Set(float64(len(m.queues.byAddr)))
	return q
}

func (m *Manager) onQueueIdle(addr packet.Addr) func(*pqueue.Queue) {
	return func(q *pqueue.Queue) {
		m.Dispose(addr)
	}
}

func (m *Manager) onQueueExhausted(q *pqueue.Queue) {
	m.log.Warnf("queue for %s exhausted its retries", q.Address)
	metrics.QueueExhausted.WithLabelValues(string(q.GetType())).Inc()
}

func (m *Manager) onQueueSendError(q *pqueue.Queue, err error) {
	m.log.Errorf("send failed on queue for %s: %v", q.Address, err)
}

// Dispose tears down and forgets the queue for addr, if any.
func (m *Manager) Dispose(addr packet.Addr) {
	m.queues.Lock()
	q, ok := m.queues.byAddr[addr]
	if ok {
		delete(m.queues.byAddr, addr)
	}
	m.queues.Unlock()
	if ok {
		q.Dispose()
		metrics.ActiveQueues.Set(float64(m.Count()))
	}
}

// Count returns the number of active queues, exported for the
// ActiveQueues gauge.
func (m *Manager) Count() int {
	m.queues.RLock()
	defer m.queues.RUnlock()
	return len(m.queues.byAddr)
}

// sweepInterval is how often the idle sweep runs.
const sweepInterval = 30 * time.Second

// StartSweep launches the idle-queue sweep loop (§4.5's self-deletion of
// idle queues) and returns immediately; Stop cancels it.
func (m *Manager) StartSweep() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	now := time.Now().UnixMilli()
	var stale []packet.Addr
	m.queues.RLock()
	for addr, q := range m.queues.byAddr {
		if q.IsEmpty() && q.PendingQueuesEmpty() && now-q.LastActivity() > IdleTimeout.Milliseconds() {
			stale = append(stale, addr)
		}
	}
	m.queues.RUnlock()
	for _, addr := range stale {
		m.Dispose(addr)
	}
}

// Stop cancels the sweep loop and disposes every active queue.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.queues.Lock()
	for addr, q := range m.queues.byAddr {
		q.Dispose()
		delete(m.queues.byAddr, addr)
	}
	m.queues.Unlock()
}
