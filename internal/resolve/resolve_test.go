package resolve

import (
	"context"
	"crypto/ed25519"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkdns/pkdns/internal/cache"
	"github.com/pkdns/pkdns/internal/dht"
	"github.com/pkdns/pkdns/internal/forwarder"
	"github.com/pkdns/pkdns/internal/ratelimit"
	"github.com/pkdns/pkdns/internal/trace"
	"github.com/pkdns/pkdns/internal/wire"
	"github.com/pkdns/pkdns/internal/zbase32"
)

// startUpstream stands up a minimal authoritative UDP DNS server backed by
// an RFC 1035 zone, in the style of a prior server_test.go NewTestServer,
// standing in for the configured ICANN upstream.
func startUpstream(t *testing.T, zone string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	zp := dns.NewZoneParser(strings.NewReader(strings.TrimSpace(zone)+"\n"), ".", "test.zone")
	zp.SetIncludeAllowed(false)

	db := map[uint16]map[string][]dns.RR{}
	for {
		rr, ok := zp.Next()
		if !ok {
			break
		}
		hdr := rr.Header()
		if db[hdr.Rrtype] == nil {
			db[hdr.Rrtype] = map[string][]dns.RR{}
		}
		db[hdr.Rrtype][hdr.Name] = append(db[hdr.Rrtype][hdr.Name], rr)
	}
	require.NoError(t, zp.Err())

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)

		if len(r.Question) == 1 {
			q := r.Question[0]
			switch {
			case db[dns.TypeCNAME][q.Name] != nil:
				m.Answer = db[dns.TypeCNAME][q.Name]
			case db[q.Qtype][q.Name] != nil:
				m.Answer = db[q.Qtype][q.Name]
			default:
				m.Rcode = dns.RcodeNameError
			}
		}

		_ = w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String()
}

func newTestEngine(t *testing.T, upstream string, cfg Config) (*Engine, *dht.MapClient) {
	t.Helper()

	mc := dht.NewMapClient()
	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	fwd := forwarder.New(upstream, client)

	e := New(cfg, Deps{
		PkarrCache: cache.NewPkarr(1 << 20),
		IcannCache: cache.NewIcann(1 << 20),
		DHTClient:  mc,
		DHTLimiter: ratelimit.New(ratelimit.Config{Rate: 1000, Burst: 1000}),
		Forwarder:  fwd,
		Logger:     zerolog.Nop(),
	})
	return e, mc
}

func publishPkarr(t *testing.T, mc *dht.MapClient, zone string) (string, [32]byte) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var pubkey [32]byte
	copy(pubkey[:], pub)
	label := zbase32.EncodePublicKey(pubkey)

	zp := dns.NewZoneParser(strings.NewReader(strings.TrimSpace(zone)+"\n"), ".", "pkarr.zone")
	zp.SetIncludeAllowed(false)

	var rrs []dns.RR
	for {
		rr, ok := zp.Next()
		if !ok {
			break
		}
		rrs = append(rrs, rr)
	}
	require.NoError(t, zp.Err())

	sp, err := wire.Encode(priv, uint64(time.Now().UnixMicro()), rrs)
	require.NoError(t, err)

	require.NoError(t, mc.Put(context.Background(), sp))

	return label, pubkey
}

func question(name string, qtype uint16) dns.Question {
	return dns.Question{Name: dns.Fqdn(name), Qtype: qtype, Qclass: dns.ClassINET}
}

func TestResolveDirectPkarrRecord(t *testing.T) {
	upstream := startUpstream(t, "")
	e, mc := newTestEngine(t, upstream, Config{MaxRecursionDepth: 10, MinTTL: time.Minute, MaxTTL: time.Hour})

	label, _ := publishPkarr(t, mc, "@ 300 IN A 127.0.0.1")

	out := e.Resolve(context.Background(), question(label, dns.TypeA), net.ParseIP("10.0.0.1"))

	require.Equal(t, dns.RcodeSuccess, out.Rcode)
	require.Len(t, out.Answer, 1)
	a, ok := out.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", a.A.String())
}

func TestResolveIcannPassthroughClampsCachedTTL(t *testing.T) {
	upstream := startUpstream(t, "example.com. 10 IN A 93.184.216.34")
	e, _ := newTestEngine(t, upstream, Config{MaxRecursionDepth: 10, MinTTL: 60 * time.Second, MaxTTL: 300 * time.Second})

	first := e.Resolve(context.Background(), question("example.com.", dns.TypeA), net.ParseIP("10.0.0.1"))
	require.Equal(t, dns.RcodeSuccess, first.Rcode)
	require.Len(t, first.Answer, 1)
	assert.Equal(t, uint32(10), first.Answer[0].Header().Ttl, "the first fetch returns the upstream's own TTL unclamped")

	second := e.Resolve(context.Background(), question("example.com.", dns.TypeA), net.ParseIP("10.0.0.1"))
	require.Equal(t, dns.RcodeSuccess, second.Rcode)
	require.Len(t, second.Answer, 1)
	ttl := second.Answer[0].Header().Ttl
	assert.LessOrEqual(t, ttl, uint32(60), "a cached read's TTL must never exceed the clamped value stored at insert time")
	assert.Greater(t, ttl, uint32(0))
}

func TestResolveCrossClassCNAMEChase(t *testing.T) {
	// Publish a pkarr zone first so the ICANN upstream's CNAME can be built
	// pointing at its public-key label.
	mc := dht.NewMapClient()
	pkLabel, _ := publishPkarr(t, mc, "@ 300 IN A 203.0.113.9")

	upstream := startUpstream(t, "alias.example.com. 300 IN CNAME "+pkLabel+".")

	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	e := New(Config{MaxRecursionDepth: 10, MinTTL: time.Minute, MaxTTL: time.Hour}, Deps{
		PkarrCache: cache.NewPkarr(1 << 20),
		IcannCache: cache.NewIcann(1 << 20),
		DHTClient:  mc,
		DHTLimiter: ratelimit.New(ratelimit.Config{Rate: 1000, Burst: 1000}),
		Forwarder:  forwarder.New(upstream, client),
		Logger:     zerolog.Nop(),
	})

	out := e.Resolve(context.Background(), question("alias.example.com.", dns.TypeA), net.ParseIP("10.0.0.1"))

	require.Equal(t, dns.RcodeSuccess, out.Rcode)
	require.Len(t, out.Answer, 2, "expect the CNAME followed by the chased pkarr A record")
	_, isCNAME := out.Answer[0].(*dns.CNAME)
	assert.True(t, isCNAME)
	a, ok := out.Answer[1].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "203.0.113.9", a.A.String())
}

func TestResolveLoopDetectionYieldsServfail(t *testing.T) {
	upstream := startUpstream(t, "")
	e, mc := newTestEngine(t, upstream, Config{MaxRecursionDepth: 10, MinTTL: time.Minute, MaxTTL: time.Hour})

	// Reserve two keypairs so each zone's CNAME can name the other, forming
	// a two-hop loop.
	pubA, privA, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pubB, privB, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var keyA, keyB [32]byte
	copy(keyA[:], pubA)
	copy(keyB[:], pubB)
	labelA := zbase32.EncodePublicKey(keyA)
	labelB := zbase32.EncodePublicKey(keyB)

	rrA, err := dns.NewRR("@ 300 IN CNAME " + labelB + ".")
	require.NoError(t, err)
	rrB, err := dns.NewRR("@ 300 IN CNAME " + labelA + ".")
	require.NoError(t, err)

	spA, err := wire.Encode(privA, uint64(time.Now().UnixMicro()), []dns.RR{rrA})
	require.NoError(t, err)
	spB, err := wire.Encode(privB, uint64(time.Now().UnixMicro()), []dns.RR{rrB})
	require.NoError(t, err)

	require.NoError(t, mc.Put(context.Background(), spA))
	require.NoError(t, mc.Put(context.Background(), spB))

	out := e.Resolve(context.Background(), question(labelA, dns.TypeA), net.ParseIP("10.0.0.1"))

	assert.Equal(t, dns.RcodeServerFailure, out.Rcode)
	assert.Empty(t, out.Answer, "a failed resolution must never leak a partial CNAME chain")
}

func TestResolveAnySuppression(t *testing.T) {
	upstream := startUpstream(t, "")
	e, _ := newTestEngine(t, upstream, Config{MaxRecursionDepth: 10, DisableAny: true})

	out := e.Resolve(context.Background(), question("example.com.", dns.TypeANY), net.ParseIP("10.0.0.1"))
	assert.True(t, out.Drop)
}

func TestResolveDHTRateLimitServfailsOnMiss(t *testing.T) {
	upstream := startUpstream(t, "")
	e, _ := newTestEngine(t, upstream, Config{MaxRecursionDepth: 10, MinTTL: time.Minute, MaxTTL: time.Hour})

	// Swap in a near-zero-rate, burst-1 DHT limiter to force the second
	// distinct lookup from the same client to be rate limited.
	e.dhtLimiter = ratelimit.New(ratelimit.Config{Rate: 0.0001, Burst: 1})

	pub1, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var key1 [32]byte
	copy(key1[:], pub1)
	label1 := zbase32.EncodePublicKey(key1)

	pub2, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var key2 [32]byte
	copy(key2[:], pub2)
	label2 := zbase32.EncodePublicKey(key2)

	clientIP := net.ParseIP("10.0.0.2")

	first := e.Resolve(context.Background(), question(label1, dns.TypeA), clientIP)
	assert.Equal(t, dns.RcodeNameError, first.Rcode, "the first lookup is admitted by the limiter and the unpublished key is a clean miss")

	second := e.Resolve(context.Background(), question(label2, dns.TypeA), clientIP)
	assert.Equal(t, dns.RcodeServerFailure, second.Rcode, "the second distinct DHT lookup from the same client is rate limited")
}

func TestResolveAnyQueryReturnsEveryRecordAtOwner(t *testing.T) {
	upstream := startUpstream(t, "")
	e, mc := newTestEngine(t, upstream, Config{MaxRecursionDepth: 10, MinTTL: time.Minute, MaxTTL: time.Hour})

	label, _ := publishPkarr(t, mc, "@ 300 IN A 127.0.0.1\n@ 300 IN TXT \"hi\"")

	out := e.Resolve(context.Background(), question(label, dns.TypeANY), net.ParseIP("10.0.0.1"))

	require.Equal(t, dns.RcodeSuccess, out.Rcode)
	require.Len(t, out.Answer, 2, "ANY must return every record type stored at the owner name, not just a literal rrtype==255 match")
}

// startDelegateServer stands up an authoritative UDP server that answers
// every query it receives with a fixed A record, standing in for a server
// reached only via NS delegation (its address never appears in any zone
// literally, since the zone can only carry an IP, not a port).
func startDelegateServer(t *testing.T, ip string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if len(r.Question) == 1 {
			rr, _ := dns.NewRR(r.Question[0].Name + " 300 IN A " + ip)
			m.Answer = []dns.RR{rr}
		}
		_ = w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestResolveFollowsNSDelegation(t *testing.T) {
	delegateAddr := startDelegateServer(t, "198.51.100.5")
	_, delegatePort, err := net.SplitHostPort(delegateAddr)
	require.NoError(t, err)

	upstream := startUpstream(t, "")
	mc := dht.NewMapClient()
	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	e := New(Config{MaxRecursionDepth: 10, MinTTL: time.Minute, MaxTTL: time.Hour, NSPort: delegatePort}, Deps{
		PkarrCache: cache.NewPkarr(1 << 20),
		IcannCache: cache.NewIcann(1 << 20),
		DHTClient:  mc,
		DHTLimiter: ratelimit.New(ratelimit.Config{Rate: 1000, Burst: 1000}),
		Forwarder:  forwarder.New(upstream, client),
		Logger:     zerolog.Nop(),
	})

	nsZoneLabel, _ := publishPkarr(t, mc, "ns1 300 IN A 127.0.0.1")
	zoneLabel, _ := publishPkarr(t, mc, "www 300 IN NS ns1."+nsZoneLabel+".")

	out := e.Resolve(context.Background(), question("www."+zoneLabel, dns.TypeA), net.ParseIP("10.0.0.1"))

	require.Equal(t, dns.RcodeSuccess, out.Rcode)
	require.Len(t, out.Answer, 1)
	a, ok := out.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "198.51.100.5", a.A.String(), "the delegated nameserver's own answer must be returned unchanged")
}

// countingDHTClient wraps a dht.Client and counts how many times Get is
// actually invoked, used to verify singleflight coalescing of concurrent
// lookups for the same pubkey.
type countingDHTClient struct {
	dht.Client
	gets int32
}

func (c *countingDHTClient) Get(ctx context.Context, pubkey [32]byte) (*wire.SignedPacket, error) {
	atomic.AddInt32(&c.gets, 1)
	return c.Client.Get(ctx, pubkey)
}

func TestResolveConcurrentLookupsCoalesceIntoOneDHTGet(t *testing.T) {
	upstream := startUpstream(t, "")

	mc := dht.NewMapClient()
	mc.Latency = 50 * time.Millisecond // widen the window so concurrent callers overlap
	counting := &countingDHTClient{Client: mc}

	label, _ := publishPkarr(t, mc, "@ 300 IN A 127.0.0.1")

	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	e := New(Config{MaxRecursionDepth: 10, MinTTL: time.Minute, MaxTTL: time.Hour}, Deps{
		PkarrCache: cache.NewPkarr(1 << 20),
		IcannCache: cache.NewIcann(1 << 20),
		DHTClient:  counting,
		DHTLimiter: ratelimit.New(ratelimit.Config{Rate: 1000, Burst: 1000}),
		Forwarder:  forwarder.New(upstream, client),
		Logger:     zerolog.Nop(),
	})

	const concurrency = 10
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			out := e.Resolve(context.Background(), question(label, dns.TypeA), net.ParseIP("10.0.0.1"))
			assert.Equal(t, dns.RcodeSuccess, out.Rcode)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&counting.gets), "concurrent resolutions for the same pubkey must cause at most one DHT lookup in flight")
}

func TestResolveWithTraceRecordsBackendSteps(t *testing.T) {
	upstream := startUpstream(t, "example.com. 300 IN A 93.184.216.34")
	e, mc := newTestEngine(t, upstream, Config{MaxRecursionDepth: 10, MinTTL: time.Minute, MaxTTL: time.Hour})

	label, _ := publishPkarr(t, mc, "@ 300 IN A 127.0.0.1")

	tr := &trace.Trace{}
	ctx := WithTrace(context.Background(), tr)

	out := e.Resolve(ctx, question(label, dns.TypeA), net.ParseIP("10.0.0.1"))
	require.Equal(t, dns.RcodeSuccess, out.Rcode)

	require.Len(t, tr.Steps, 1)
	assert.Equal(t, "pkarr", tr.Steps[0].Backend)
	assert.Contains(t, tr.Dump(), "pkarr")

	tr2 := &trace.Trace{}
	ctx2 := WithTrace(context.Background(), tr2)
	out2 := e.Resolve(ctx2, question("example.com.", dns.TypeA), net.ParseIP("10.0.0.1"))
	require.Equal(t, dns.RcodeSuccess, out2.Rcode)

	require.Len(t, tr2.Steps, 1)
	assert.Equal(t, "icann", tr2.Steps[0].Backend)
}
