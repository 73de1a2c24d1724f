// Package central implements Central (C, §3, §4.6-§4.10): the
// top-level owner of every paired Peer, every physical radio Interface,
// and the Queue Manager, and the dispatcher that turns an inbound
// packet into an access-checked handler invocation.
//
// Struct shape (a single RWMutex guarding the index maps, never held
// across a Send or a Peer callback) is grounded on the teacher's
// device.peers / device.Device split between index bookkeeping and the
// actual per-peer work (device/device.go, device/peer.go).
package central

import (
	"context"
	"fmt"
	"sync"

	"github.com/Homegear/Homegear-MAX/cache"
	"github.com/Homegear/Homegear-MAX/catalog"
	"github.com/Homegear/Homegear-MAX/eventsink"
	"github.com/Homegear/Homegear-MAX/logging"
	"github.com/Homegear/Homegear-MAX/packet"
	"github.com/Homegear/Homegear-MAX/peer"
	"github.com/Homegear/Homegear-MAX/pqueue"
	"github.com/Homegear/Homegear-MAX/queuemgr"
	"github.com/Homegear/Homegear-MAX/registry"
	"github.com/Homegear/Homegear-MAX/store"
	"github.com/Homegear/Homegear-MAX/transport"
)

// Central owns every paired peer and physical interface for one MAX!
// network (§3's "Central-level state").
type Central struct {
	Address packet.Addr

	ctx context.Context

	mu              sync.RWMutex
	broadcastCtr    uint8
	peersByAddr     map[packet.Addr]*peer.Peer
	peersByID       map[uint64]*peer.Peer
	peersBySerial   map[string]*peer.Peer
	nextPeerID      uint64
	ifaces          map[string]transport.Interface
	defaultIfaceID  string

	pairing           bool
	installDeadlineMs int64
	installTimer      *pqueue.Timer
	pendingPairings   map[packet.Addr]*pendingPairing

	reg       *registry.Registry
	cat       catalog.Catalog
	sink      eventsink.Sink
	st        store.Store
	qm        *queuemgr.Manager
	sendCache *cache.Cache
	recvCache *cache.Cache
	log       *logging.Logger
}

// New returns a Central wired to cat/sink/st, with a fresh Queue
// Manager and the bootstrap Message Registry descriptors from §4.2
// already added. ctx bounds the Queue Manager's sweep loop and every
// Interface.Send call central issues; cancel it to begin shutdown.
func New(ctx context.Context, addr packet.Addr, cat catalog.Catalog, sink eventsink.Sink, st store.Store, log *logging.Logger) *Central {
	sendCache := cache.New()
	recvCache := cache.New()
	c := &Central{
		Address:       addr,
		ctx:           ctx,
		peersByAddr:   make(map[packet.Addr]*peer.Peer),
		peersByID:     make(map[uint64]*peer.Peer),
		peersBySerial: make(map[string]*peer.Peer),
		ifaces:        make(map[string]transport.Interface),
		reg:           registry.New(),
		cat:           cat,
		sink:          sink,
		st:            st,
		sendCache:     sendCache,
		recvCache:     recvCache,
		log:           log,
	}
	c.qm = queuemgr.New(ctx, sendCache, recvCache, log.With(map[string]interface{}{"component": "queuemgr"}))
	c.registerBootstrapDescriptors()
	return c
}

// RegisterInterface adds iface to the interface set, installing it as
// the receive callback's owner and as the default interface if it
// reports IsDefault (or if it's the first interface registered).
func (c *Central) RegisterInterface(iface transport.Interface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ifaces[iface.ID()] = iface
	if iface.IsDefault() || c.defaultIfaceID == "" {
		c.defaultIfaceID = iface.ID()
	}
	iface.SetReceiver(func(p *packet.Packet) {
		c.OnPacketReceived(p, iface.ID())
	})
}

// StartSweep begins the Queue Manager's idle-queue sweep.
func (c *Central) StartSweep() { c.qm.StartSweep() }

// Stop tears down the Queue Manager and every registered interface.
func (c *Central) Stop() {
	c.qm.Stop()
	c.mu.RLock()
	ifaces := make([]transport.Interface, 0, len(c.ifaces))
	for _, i := range c.ifaces {
		ifaces = append(ifaces, i)
	}
	c.mu.RUnlock()
	for _, i := range ifaces {
		_ = i.Close()
	}
}

// Catalog implements peer.Owner.
func (c *Central) Catalog() catalog.Catalog { return c.cat }

// EventSink implements peer.Owner.
func (c *Central) EventSink() eventsink.Sink { return c.sink }

// Registry implements peer.Owner.
func (c *Central) Registry() *registry.Registry { return c.reg }

// InterfaceByID implements peer.Owner.
func (c *Central) InterfaceByID(id string) (transport.Interface, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.ifaces[id]
	return i, ok
}

// defaultInterface returns the interface new pending queues bind to
// when a peer hasn't recorded its own physical_interface_id yet.
func (c *Central) defaultInterface() (transport.Interface, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.ifaces[c.defaultIfaceID]
	return i, ok
}

// interfaceFor resolves the interface a peer's pending queue should
// bind to: its own recorded physical_interface_id, falling back to the
// default interface.
func (c *Central) interfaceFor(p *peer.Peer) (transport.Interface, bool) {
	if p.PhysicalInterfaceID != "" {
		if i, ok := c.InterfaceByID(p.PhysicalInterfaceID); ok {
			return i, true
		}
	}
	return c.defaultInterface()
}

// PromotePending implements peer.Owner: it hands templates to the Queue
// Manager, creating a fresh active queue for addr (Create disposes and
// replaces any queue already registered there) and adopting the first
// template immediately, splicing the rest as pending (§4.4, §4.8).
func (c *Central) PromotePending(addr packet.Addr, qtype pqueue.Type, templates []*pqueue.Queue) {
	if len(templates) == 0 {
		return
	}
	p := c.PeerByAddress(addr)
	var iface transport.Interface
	var ok bool
	if p != nil {
		iface, ok = c.interfaceFor(p)
	} else {
		iface, ok = c.defaultInterface()
	}
	if !ok {
		c.log.Warnf("promote_pending: no interface available for %s", addr)
		return
	}
	q := c.qm.Create(qtype, addr, iface)
	for _, t := range templates {
		q.AdoptTemplate(t)
	}
}

// PeerByAddress returns the peer at addr, or nil.
func (c *Central) PeerByAddress(addr packet.Addr) *peer.Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peersByAddr[addr]
}

// PeerByID returns the peer with id, or nil.
func (c *Central) PeerByID(id uint64) *peer.Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peersByID[id]
}

// PeerBySerial returns the peer with serial, or nil.
func (c *Central) PeerBySerial(serial string) *peer.Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peersBySerial[serial]
}

// Peers returns a snapshot of every paired peer.
func (c *Central) Peers() []*peer.Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*peer.Peer, 0, len(c.peersByAddr))
	for _, p := range c.peersByAddr {
		out = append(out, p)
	}
	return out
}

// insertPeer adds a newly built peer to every index and assigns it a
// durable id.
func (c *Central) insertPeer(p *peer.Peer) {
	c.mu.Lock()
	c.nextPeerID++
	p.ID = c.nextPeerID
	c.peersByAddr[p.Address] = p
	c.peersByID[p.ID] = p
	c.peersBySerial[p.Serial] = p
	c.mu.Unlock()
}

// removePeer deletes p from every index.
func (c *Central) removePeer(p *peer.Peer) {
	c.mu.Lock()
	delete(c.peersByAddr, p.Address)
	delete(c.peersByID, p.ID)
	delete(c.peersBySerial, p.Serial)
	c.mu.Unlock()
}

// nextBroadcastCounter increments and returns Central's broadcast
// counter (§3, §4.7 pairing).
func (c *Central) nextBroadcastCounter() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastCtr++
	return c.broadcastCtr
}

// persistPeer saves a peer's durable row; used after pairing finalizes
// and whenever its service state changes enough to matter on restart.
func (c *Central) persistPeer(p *peer.Peer) error {
	if c.st == nil {
		return nil
	}
	_, err := c.st.SaveDevice(store.DeviceRow{
		ID:      p.ID,
		Address: p.Address,
		Serial:  p.Serial,
		Type:    p.DeviceType,
	})
	if err != nil {
		return fmt.Errorf("central: persist peer %s: %w", p.Address, err)
	}
	return nil
}
