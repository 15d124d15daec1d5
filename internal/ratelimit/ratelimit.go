// Package ratelimit implements a per-source-IP token-bucket limiter. The
// server builds two independent instances from this package, one gating
// DNS queries and one gating DHT lookups.
//
// Per-bucket refill and admission is delegated to golang.org/x/time/rate,
// which is exactly a token bucket; this package adds the per-IP bucket
// table and idle-bucket purging, in the style of the sync.Map-keyed,
// background-cleanup-goroutine limiter in
// other_examples/45d404dc_straticus1-dnsscienced__internal-rrl-limiter.go.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token-bucket rate limiter keyed by source IP address. A zero
// Rate disables the limiter entirely (Allow always returns true).
type Limiter struct {
	rateLimit rate.Limit
	burst     int
	disabled  bool

	idleTimeout time.Duration

	mu      sync.Mutex
	buckets map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

// Config configures a Limiter. Rate is in events per second; Rate <= 0
// disables the limiter. Burst is the bucket capacity; it defaults to 1 if
// non-positive while Rate is positive.
type Config struct {
	Rate        float64
	Burst       int
	IdleTimeout time.Duration
}

const defaultIdleTimeout = 5 * time.Minute

// New constructs a Limiter from cfg and starts its background purge loop.
// Callers should call Close when the limiter is no longer needed.
func New(cfg Config) *Limiter {
	l := &Limiter{
		rateLimit:   rate.Limit(cfg.Rate),
		burst:       cfg.Burst,
		disabled:    cfg.Rate <= 0,
		idleTimeout: cfg.IdleTimeout,
		buckets:     map[string]*entry{},
		stop:        make(chan struct{}),
	}
	if l.burst <= 0 {
		l.burst = 1
	}
	if l.idleTimeout <= 0 {
		l.idleTimeout = defaultIdleTimeout
	}

	go l.purgeLoop()

	return l
}

// Allow reports whether a request from ip is admitted, consuming a token if
// so. A disabled limiter always admits.
func (l *Limiter) Allow(ip net.IP) bool {
	if l.disabled {
		return true
	}

	key := ip.String()
	now := time.Now()

	l.mu.Lock()
	e, ok := l.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rateLimit, l.burst)}
		l.buckets[key] = e
	}
	e.lastSeenAt = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

func (l *Limiter) purgeLoop() {
	ticker := time.NewTicker(l.idleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.purge()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) purge() {
	cutoff := time.Now().Add(-l.idleTimeout)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.buckets {
		if e.lastSeenAt.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Close stops the background purge loop.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}
