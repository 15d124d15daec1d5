package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowRespectsBurstThenBlocks(t *testing.T) {
	l := New(Config{Rate: 1, Burst: 1})
	defer l.Close()

	ip := net.ParseIP("192.0.2.1")

	assert.True(t, l.Allow(ip), "first query within burst should be admitted")
	assert.False(t, l.Allow(ip), "second query with an exhausted bucket should be dropped")
}

func TestAllowTracksBucketsPerIP(t *testing.T) {
	l := New(Config{Rate: 1, Burst: 1})
	defer l.Close()

	a := net.ParseIP("192.0.2.1")
	b := net.ParseIP("192.0.2.2")

	assert.True(t, l.Allow(a))
	assert.True(t, l.Allow(b), "a separate source IP has its own bucket")
}

func TestDisabledLimiterAlwaysAllows(t *testing.T) {
	l := New(Config{Rate: 0})
	defer l.Close()

	ip := net.ParseIP("192.0.2.1")
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(ip))
	}
}

func TestPurgeRemovesIdleBuckets(t *testing.T) {
	l := New(Config{Rate: 1, Burst: 1, IdleTimeout: 0})
	defer l.Close()

	ip := net.ParseIP("192.0.2.1")
	l.Allow(ip)

	l.mu.Lock()
	n := len(l.buckets)
	l.mu.Unlock()
	assert.Equal(t, 1, n)

	// A non-positive IdleTimeout falls back to defaultIdleTimeout, so age
	// the bucket past that before purging.
	l.mu.Lock()
	l.buckets[ip.String()].lastSeenAt = time.Now().Add(-2 * defaultIdleTimeout)
	l.mu.Unlock()

	l.purge()

	l.mu.Lock()
	n = len(l.buckets)
	l.mu.Unlock()
	assert.Equal(t, 0, n, "a bucket idle past the timeout is purged")
}
