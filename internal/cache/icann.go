package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// IcannKey identifies a cached ICANN response by (qname, qtype, qclass).
type IcannKey struct {
	Name  string
	Qtype uint16
	Class uint16
}

// IcannEntry is a cached upstream response together with its expiry.
type IcannEntry struct {
	Msg       *dns.Msg
	ExpiresAt time.Time
	sizeBytes int
}

// IcannCache is the process-wide, size-bounded response cache. A maxBytes
// of 0 makes every Put a no-op, which is how "max_ttl = 0 disables ICANN
// caching entirely" is realized: the resolver engine never calls Put when
// max_ttl is 0, and IcannCache itself additionally refuses to retain
// 0-byte-budget entries as a second line of defense.
type IcannCache struct {
	maxBytes int

	mu        sync.Mutex
	entries   map[IcannKey]*list.Element
	lru       *list.List
	sizeBytes int
}

type icannNode struct {
	key   IcannKey
	entry IcannEntry
}

// NewIcann constructs an IcannCache bounded to maxBytes total response size.
func NewIcann(maxBytes int) *IcannCache {
	return &IcannCache{
		maxBytes: maxBytes,
		entries:  map[IcannKey]*list.Element{},
		lru:      list.New(),
	}
}

// Get returns the cached response for key if it is present and unexpired at
// now, and marks it most-recently-used. Expired entries are evicted
// immediately on lookup.
func (c *IcannCache) Get(key IcannKey, now time.Time) (IcannEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return IcannEntry{}, false
	}

	node := elem.Value.(*icannNode)
	if !node.entry.ExpiresAt.After(now) {
		c.removeLocked(elem)
		return IcannEntry{}, false
	}

	c.lru.MoveToBack(elem)
	return node.entry, true
}

// Put inserts or replaces the entry for key, expiring at expiresAt.
// Concurrent duplicate inserts for the same key simply overwrite.
func (c *IcannCache) Put(key IcannKey, msg *dns.Msg, expiresAt time.Time) {
	if c.maxBytes <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size := msgSize(msg)

	if elem, ok := c.entries[key]; ok {
		node := elem.Value.(*icannNode)
		c.sizeBytes -= node.entry.sizeBytes
		node.entry = IcannEntry{Msg: msg.Copy(), ExpiresAt: expiresAt, sizeBytes: size}
		c.sizeBytes += size
		c.lru.MoveToBack(elem)
		c.evict()
		return
	}

	node := &icannNode{key: key, entry: IcannEntry{Msg: msg.Copy(), ExpiresAt: expiresAt, sizeBytes: size}}
	elem := c.lru.PushBack(node)
	c.entries[key] = elem
	c.sizeBytes += size

	c.evict()
}

func (c *IcannCache) removeLocked(elem *list.Element) {
	node := elem.Value.(*icannNode)
	c.sizeBytes -= node.entry.sizeBytes
	delete(c.entries, node.key)
	c.lru.Remove(elem)
}

func (c *IcannCache) evict() {
	for c.sizeBytes > c.maxBytes && c.lru.Len() > 0 {
		c.removeLocked(c.lru.Front())
	}
}

// Len reports the number of distinct keys currently cached.
func (c *IcannCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func msgSize(m *dns.Msg) int {
	buf, err := m.Pack()
	if err != nil {
		return 512
	}
	return len(buf)
}
