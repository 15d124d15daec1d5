// Package cache implements two size-bounded, LRU-evicted caches: PkarrCache
// (pubkey -> signed packet) and IcannCache ((qname,qtype,qclass) ->
// response). Both are grounded on a prior cache/cache.go, which paired a
// map with a container/list for approximate LRU eviction under a single
// mutex; this package keeps that shape but switches the eviction budget
// from entry count to a byte ceiling (dht_cache_mb, icann_cache_mb).
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/pkdns/pkdns/internal/wire"
)

// PkarrEntry is a cached signed packet plus its insertion bookkeeping.
type PkarrEntry struct {
	Packet     *wire.SignedPacket
	InsertedAt time.Time
	sizeBytes  int
}

// PkarrCache is the process-wide, size-bounded packet cache.
//
// Entries never expire by time alone: the resolver decides to refresh a
// stale-but-present entry by consulting min_ttl itself and calling Put
// again; the cache only evicts for size pressure or a strictly newer
// packet for the same pubkey.
type PkarrCache struct {
	maxBytes int

	mu        sync.Mutex
	entries   map[[32]byte]*list.Element // -> *pkarrNode
	lru       *list.List
	sizeBytes int
}

type pkarrNode struct {
	key   [32]byte
	entry PkarrEntry
}

// NewPkarr constructs a PkarrCache bounded to maxBytes total signed-packet
// size. maxBytes <= 0 means unbounded.
func NewPkarr(maxBytes int) *PkarrCache {
	return &PkarrCache{
		maxBytes: maxBytes,
		entries:  map[[32]byte]*list.Element{},
		lru:      list.New(),
	}
}

// Get returns the cached entry for pubkey, if any, and marks it
// most-recently-used.
func (c *PkarrCache) Get(pubkey [32]byte) (PkarrEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[pubkey]
	if !ok {
		return PkarrEntry{}, false
	}

	c.lru.MoveToBack(elem)
	return elem.Value.(*pkarrNode).entry, true
}

// Put inserts or replaces the entry for pubkey. If an existing entry has a
// timestamp no older than packet's, Put is a no-op ("newest timestamp
// wins"), making concurrent duplicate inserts idempotent.
func (c *PkarrCache) Put(pubkey [32]byte, packet *wire.SignedPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := packet.Size()

	if elem, ok := c.entries[pubkey]; ok {
		existing := elem.Value.(*pkarrNode)
		if existing.entry.Packet.Timestamp >= packet.Timestamp {
			c.lru.MoveToBack(elem)
			return
		}

		c.sizeBytes -= existing.entry.sizeBytes
		existing.entry = PkarrEntry{Packet: packet, InsertedAt: time.Now(), sizeBytes: size}
		c.sizeBytes += size
		c.lru.MoveToBack(elem)
		c.evict()
		return
	}

	node := &pkarrNode{key: pubkey, entry: PkarrEntry{Packet: packet, InsertedAt: time.Now(), sizeBytes: size}}
	elem := c.lru.PushBack(node)
	c.entries[pubkey] = elem
	c.sizeBytes += size

	c.evict()
}

func (c *PkarrCache) evict() {
	if c.maxBytes <= 0 {
		return
	}
	for c.sizeBytes > c.maxBytes && c.lru.Len() > 0 {
		front := c.lru.Front()
		node := front.Value.(*pkarrNode)
		c.sizeBytes -= node.entry.sizeBytes
		delete(c.entries, node.key)
		c.lru.Remove(front)
	}
}

// Age returns how long ago pubkey's entry was inserted, and whether it
// exists at all.
func (c *PkarrCache) Age(pubkey [32]byte, now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[pubkey]
	if !ok {
		return 0, false
	}
	return now.Sub(elem.Value.(*pkarrNode).entry.InsertedAt), true
}

// Len reports the number of distinct pubkeys currently cached.
func (c *PkarrCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
