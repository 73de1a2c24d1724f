// Package cache implements the Packet Cache (§4.3): per-peer last-sent
// and last-received packet bookkeeping used for duplicate detection and
// for enforcing the MAX! listen-window spacing between transmissions.
package cache

import (
	"sync"
	"time"

	"github.com/Homegear/Homegear-MAX/packet"
)

// DupWindow is the duplicate-delivery window from spec §4.3.
const DupWindow = 2000 * time.Millisecond

// Info describes the cached entry for a single address.
type Info struct {
	Time time.Time
	Hex  string
}

type entry struct {
	pkt  *packet.Packet
	hex  string
	time time.Time
}

// Cache is a concurrency-safe per-address packet cache. Central keeps one
// instance for the receive direction and one for the send direction.
type Cache struct {
	mu      sync.Mutex
	entries map[packet.Addr]entry
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[packet.Addr]entry)}
}

// Set records p as the latest packet for addr at time t, returning true
// iff the previously cached packet at addr has identical wire bytes and
// t is within DupWindow of it — i.e. p is a duplicate delivery.
func (c *Cache) Set(addr packet.Addr, p *packet.Packet, t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.entries[addr]
	dup := ok && prev.pkt.Equal(p) && t.Sub(prev.time) < DupWindow

	c.entries[addr] = entry{pkt: p, hex: p.HexString(), time: t}
	return dup
}

// Get returns the most recently cached packet for addr, if any.
func (c *Cache) Get(addr packet.Addr) (*packet.Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[addr]
	if !ok {
		return nil, false
	}
	return e.pkt, true
}

// GetInfo returns the timestamp and hex form of the cached entry.
func (c *Cache) GetInfo(addr packet.Addr) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[addr]
	if !ok {
		return Info{}, false
	}
	return Info{Time: e.time, Hex: e.hex}, true
}

// KeepAlive refreshes the timestamp of the cached entry for addr without
// touching its packet, used to extend the listen-window clock when a
// peer stays reachable but hasn't sent a fresh packet.
func (c *Cache) KeepAlive(addr packet.Addr, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[addr]; ok {
		e.time = t
		c.entries[addr] = e
	}
}

// SinceLast returns the duration since the cached entry for addr was last
// touched, and whether an entry exists at all.
func (c *Cache) SinceLast(addr packet.Addr, now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[addr]
	if !ok {
		return 0, false
	}
	return now.Sub(e.time), true
}
