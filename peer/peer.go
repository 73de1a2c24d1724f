// Package peer implements the per-device state machine (P, §3,
// §4.11-§4.13): parameter stores, pending-queue construction from the
// device-description catalog, dedupe on receive, and the worker-tick
// maintenance pass.
//
// Struct shape and the owner-callback seams (Send/Receive/Worker split
// across files, a narrow interface back to the owning Central instead
// of a raw pointer) are grounded on the teacher's device/peer.go.
package peer

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/Homegear/Homegear-MAX/catalog"
	"github.com/Homegear/Homegear-MAX/eventsink"
	"github.com/Homegear/Homegear-MAX/logging"
	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/pqueue"
	"github.com/Homegear/Homegear-MAX/registry"
	"github.com/Homegear/Homegear-MAX/transport"
)

// RxMode is the bitset of radio wake behaviors a peer advertises (§3).
type RxMode uint8

const (
	RxAlways RxMode = 1 << iota
	RxWakeOnRadio
	RxConfig
	RxBurst
	RxLazyConfig
	RxWakeup
)

// Reachable reports whether m implies the device can be reached on
// demand without waiting for its own wakeup cycle.
func (m RxMode) Reachable() bool {
	return m&(RxAlways|RxWakeOnRadio) != 0
}

// BasicPeer is one entry in a channel's link list: another device's
// address and the channel pairing on each side.
type BasicPeer struct {
	Address       packet.Addr
	Channel       int32
	RemoteChannel int32
}

// ServiceMessages is the per-peer status-flag set exposed upstream
// (§GLOSSARY).
type ServiceMessages struct {
	mu                    sync.Mutex
	Unreach               bool
	Lowbat                bool
	ConfigPending         bool
	CentralAddressSpoofed bool
}

func (s *ServiceMessages) set(flag *bool, v bool) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *flag == v {
		return false
	}
	*flag = v
	return true
}

func (s *ServiceMessages) SetUnreach(v bool) bool               { return s.set(&s.Unreach, v) }
func (s *ServiceMessages) SetLowbat(v bool) bool                { return s.set(&s.Lowbat, v) }
func (s *ServiceMessages) SetConfigPending(v bool) bool         { return s.set(&s.ConfigPending, v) }
func (s *ServiceMessages) SetCentralAddressSpoofed(v bool) bool { return s.set(&s.CentralAddressSpoofed, v) }

func (s *ServiceMessages) IsConfigPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ConfigPending
}

// paramKey addresses one stored value in a paramset.
type paramKey struct {
	channel int32
	name    string
}

// paramStore is a concurrency-safe channel/name -> value map, one per
// paramset type.
type paramStore struct {
	mu     sync.RWMutex
	values map[paramKey]interface{}
}

func newParamStore() *paramStore { return &paramStore{values: make(map[paramKey]interface{})} }

func (s *paramStore) get(ch int32, name string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[paramKey{ch, name}]
	return v, ok
}

func (s *paramStore) set(ch int32, name string, v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[paramKey{ch, name}] = v
}

// Owner is the narrow seam back into Central a Peer needs, avoiding a
// direct Peer->Central pointer (§9's cyclic-object-graph guidance).
type Owner interface {
	Catalog() catalog.Catalog
	EventSink() eventsink.Sink
	Registry() *registry.Registry
	InterfaceByID(id string) (transport.Interface, bool)
	PromotePending(addr packet.Addr, qtype pqueue.Type, templates []*pqueue.Queue)
	// BuildTimePacket synthesizes a time packet addressed to dest (§4.9);
	// the bit-packing formula lives in central so pairing, the
	// time-request handler, and the worker tick all share one copy.
	BuildTimePacket(dest packet.Addr, counter uint8, burst bool) *packet.Packet
}

// Peer is one paired MAX! device.
type Peer struct {
	ID                  uint64
	Address             packet.Addr
	Serial              string
	DeviceType          uint32
	Firmware            uint16
	RxModes             RxMode
	PhysicalInterfaceID string

	messageCounter uint32 // accessed via atomic add, wraps mod 256 in NextCounter

	mu             sync.Mutex
	peersByChannel map[int32][]BasicPeer

	configParams *paramStore
	valueParams  *paramStore
	linkParams   *paramStore

	pendingQueues []*pqueue.Queue

	ServiceMessages *ServiceMessages

	LastPacketReceivedMs int64
	LastTimePacketMs     int64
	RandomSleepMs        int
	lastReceivedCounter  *uint8
	LastRSSITimeS        int64
	LastRSSI             uint8

	owner Owner
	log   *logging.Logger
}

// New returns a fresh, unpersisted Peer (as built during pairing, §4.7).
func New(id uint64, addr packet.Addr, serial string, deviceType uint32, firmware uint16, rxModes RxMode, ifaceID string, owner Owner, log *logging.Logger) *Peer {
	return &Peer{
		ID:                  id,
		Address:             addr,
		Serial:              serial,
		DeviceType:          deviceType,
		Firmware:            firmware,
		RxModes:             rxModes,
		PhysicalInterfaceID: ifaceID,
		peersByChannel:      make(map[int32][]BasicPeer),
		configParams:        newParamStore(),
		valueParams:         newParamStore(),
		linkParams:          newParamStore(),
		ServiceMessages:     &ServiceMessages{},
		RandomSleepMs:       randomSleep(),
		owner:               owner,
		log:                 log.With(map[string]interface{}{"peer": addr.String()}),
	}
}

// randomSleep picks a value in [0, 1_800_000] ms per §3's invariant on
// RandomSleepMs, spreading config-pending re-enqueues (§4.13) across
// peers so they don't all land on the same worker tick.
func randomSleep() int {
	return rand.Intn(1_800_001)
}

// Description resolves this peer's device description from the
// catalog.
func (p *Peer) Description() (*catalog.DeviceDescription, bool) {
	return p.owner.Catalog().Lookup(p.DeviceType, p.Firmware)
}

// NextCounter returns the next per-peer outgoing message counter,
// wrapping modulo 256 (§3).
func (p *Peer) NextCounter() uint8 {
	for {
		old := atomic.LoadUint32(&p.messageCounter)
		next := (old + 1) % 256
		if atomic.CompareAndSwapUint32(&p.messageCounter, old, next) {
			return uint8(next)
		}
	}
}

// AddLink records a BasicPeer entry for channel (peers_by_channel, §3).
func (p *Peer) AddLink(channel int32, bp BasicPeer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peersByChannel[channel] = append(p.peersByChannel[channel], bp)
}

// Links returns the BasicPeer list for channel.
func (p *Peer) Links(channel int32) []BasicPeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]BasicPeer(nil), p.peersByChannel[channel]...)
}

// PushPendingQueue appends a built template to this peer's
// PendingQueues (§3). If reachable on demand, the caller should also
// call PromoteIfReachable to hand it straight to the Queue Manager.
func (p *Peer) PushPendingQueue(q *pqueue.Queue) {
	p.mu.Lock()
	p.pendingQueues = append(p.pendingQueues, q)
	p.mu.Unlock()
}

// PromoteIfReachable hands queued PendingQueues to Central's Queue
// Manager immediately when the device doesn't need a wakeup to be
// reached (§4.8: "if peer is ALWAYS or WAKE_ON_RADIO reachable, splice
// ... immediately").
func (p *Peer) PromoteIfReachable(qtype pqueue.Type) {
	if !p.RxModes.Reachable() {
		return
	}
	p.mu.Lock()
	templates := p.pendingQueues
	p.pendingQueues = nil
	p.mu.Unlock()
	if len(templates) == 0 {
		return
	}
	p.owner.PromotePending(p.Address, qtype, templates)
}

// DrainPendingTemplates removes and returns every queued template,
// used by the worker tick's config-pending re-enqueue (§4.13).
func (p *Peer) DrainPendingTemplates() []*pqueue.Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.pendingQueues
	p.pendingQueues = nil
	return t
}
