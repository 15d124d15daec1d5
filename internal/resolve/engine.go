// Package resolve implements the recursive resolver engine — the state
// machine that chases CNAME/NS chains across the pkarr (DHT) and ICANN
// (forwarder) backends while enforcing the recursion budget, loop
// detection, and the two caches.
//
// Grounded on a prior queryIteratively/doQuery loop (resolver.go), which
// drove a single iterative NS-chasing loop against one backend; here the
// loop instead alternates between two backends chosen by internal/pkkey
// classification, re-entering at the top on every cross-class hop exactly
// as that loop re-entered on every delegation response.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/pkdns/pkdns/internal/cache"
	"github.com/pkdns/pkdns/internal/dht"
	"github.com/pkdns/pkdns/internal/forwarder"
	"github.com/pkdns/pkdns/internal/pkkey"
	"github.com/pkdns/pkdns/internal/ratelimit"
	"github.com/pkdns/pkdns/internal/trace"
	"github.com/pkdns/pkdns/internal/wire"
	"github.com/pkdns/pkdns/internal/zbase32"
)

// Config is the subset of pkdns's configuration surface the engine itself
// needs.
type Config struct {
	TopLevelDomain    string
	MinTTL            time.Duration
	MaxTTL            time.Duration
	MaxRecursionDepth int
	DisableAny        bool

	// QueryTimeout bounds one client query end-to-end: a fixed per-query
	// budget, typically on the order of seconds.
	QueryTimeout time.Duration

	// NSPort is the port a delegated nameserver's resolved address is
	// combined with before being dialed. It defaults to "53"; tests
	// override it to point delegation at an ephemeral test server.
	NSPort string
}

// Engine is the resolver. One Engine serves all queries for a process; its
// caches and limiters are safe for concurrent use, but each call to
// Resolve owns an exclusive resolutionContext.
type Engine struct {
	cfg Config

	pkarrCache *cache.PkarrCache
	icannCache *cache.IcannCache

	dhtClient  dht.Client
	dhtLimiter *ratelimit.Limiter
	fwd        *forwarder.Forwarder

	// dhtGroup/icannGroup enforce a single in-flight lookup per key:
	// concurrent misses for the same pubkey, or the same ICANN question,
	// coalesce into one backend call.
	dhtGroup   singleflight.Group
	icannGroup singleflight.Group

	log zerolog.Logger
}

// Deps bundles Engine's collaborators.
type Deps struct {
	PkarrCache *cache.PkarrCache
	IcannCache *cache.IcannCache
	DHTClient  dht.Client
	DHTLimiter *ratelimit.Limiter
	Forwarder  *forwarder.Forwarder
	Logger     zerolog.Logger
}

// New constructs an Engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if cfg.NSPort == "" {
		cfg.NSPort = "53"
	}
	return &Engine{
		cfg:        cfg,
		pkarrCache: deps.PkarrCache,
		icannCache: deps.IcannCache,
		dhtClient:  deps.DHTClient,
		dhtLimiter: deps.DHTLimiter,
		fwd:        deps.Forwarder,
		log:        deps.Logger,
	}
}

// Resolve answers one question for a client at clientIP, expressed as an
// Outcome the dispatcher assembles into a wire message.
func (e *Engine) Resolve(ctx context.Context, q dns.Question, clientIP net.IP) Outcome {
	if q.Qtype == dns.TypeANY && e.cfg.DisableAny {
		return Outcome{Drop: true}
	}
	if !supportedQtype(q.Qtype) {
		e.log.Debug().Err(ErrUnsupportedType).Str("qname", q.Name).Str("qtype", dns.TypeToString[q.Qtype]).Msg("resolve")
		return Outcome{Rcode: dns.RcodeNotImplemented}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	rc := newResolutionContext(e.cfg.MaxRecursionDepth, time.Now().Add(e.cfg.QueryTimeout))

	answer, rcode, err := e.resolveStep(ctx, rc, q.Name, q.Qtype, q.Qclass, clientIP)
	if err != nil {
		e.log.Debug().Err(err).Str("qname", q.Name).Str("qtype", dns.TypeToString[q.Qtype]).Msg("resolve")
	}
	if rcode != dns.RcodeSuccess {
		// Only a NOERROR outcome carries an answer section; NXDOMAIN/
		// SERVFAIL/NOTIMP never do, even if a partial CNAME chain was
		// accumulated before the failure.
		answer = nil
	}

	return Outcome{Rcode: rcode, Answer: answer}
}

func supportedQtype(qtype uint16) bool {
	switch qtype {
	case dns.TypeA, dns.TypeAAAA, dns.TypeCNAME, dns.TypeNS, dns.TypeTXT,
		dns.TypeMX, dns.TypeSOA, dns.TypeSRV, dns.TypeSVCB, dns.TypeHTTPS,
		dns.TypeANY:
		return true
	default:
		return false
	}
}

// resolveStep is the state machine's single re-entry point: it classifies
// qname and dispatches to the pkarr or ICANN branch, enforcing loop
// detection on every entry.
func (e *Engine) resolveStep(ctx context.Context, rc *resolutionContext, qname string, qtype, qclass uint16, clientIP net.IP) ([]dns.RR, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, dns.RcodeServerFailure, err
	}
	if !rc.enter(qname, qtype) {
		return nil, dns.RcodeServerFailure, ErrLoopDetected
	}

	cls := pkkey.Classify(qname, e.cfg.TopLevelDomain)
	if cls.Pkarr {
		return e.resolvePkarr(ctx, rc, cls, qname, qtype, qclass, clientIP)
	}
	return e.resolveIcann(ctx, rc, qname, qtype, qclass, clientIP)
}

// resolvePkarr resolves a pkarr-rooted query against the DHT-published
// zone for cls.PublicKey.
func (e *Engine) resolvePkarr(ctx context.Context, rc *resolutionContext, cls pkkey.Name, qname string, qtype, qclass uint16, clientIP net.IP) ([]dns.RR, int, error) {
	packet, err := e.loadPkarrPacket(ctx, cls.PublicKey, clientIP)
	if err != nil {
		switch {
		case errors.Is(err, dht.ErrNotFound):
			return nil, dns.RcodeNameError, err
		default:
			return nil, dns.RcodeServerFailure, err
		}
	}

	direct, cname, ns := matchZoneRecords(packet.RRs, cls.Sub, qtype)
	switch {
	case len(direct) > 0:
		return direct, dns.RcodeSuccess, nil

	case cname != nil:
		if !rc.hop() {
			return nil, dns.RcodeServerFailure, ErrBudgetExhausted
		}
		rest, rcode, err := e.resolveStep(ctx, rc, cname.Target, qtype, qclass, clientIP)
		return prepend(cname, rest), rcode, err

	case ns != nil:
		if !rc.hop() {
			return nil, dns.RcodeServerFailure, ErrBudgetExhausted
		}
		return e.followDelegation(ctx, rc, ns, qname, qtype, qclass, clientIP)

	default:
		// Zone exists (we have a verified packet) but has nothing at this
		// sub-label/qtype: NOERROR with an empty answer section.
		return nil, dns.RcodeSuccess, nil
	}
}

// loadPkarrPacket consults the pkarr cache, refreshing it from the DHT
// when absent or stale. A failed refresh falls back to the previous entry
// rather than failing the query.
func (e *Engine) loadPkarrPacket(ctx context.Context, pubkey [32]byte, clientIP net.IP) (*wire.SignedPacket, error) {
	entry, found := e.pkarrCache.Get(pubkey)

	stale := true
	if found {
		age, _ := e.pkarrCache.Age(pubkey, time.Now())
		stale = age >= e.cfg.MinTTL
	}

	if found && !stale {
		return entry.Packet, nil
	}

	fetched, err := e.fetchPkarr(ctx, pubkey, clientIP)
	if err == nil {
		return fetched, nil
	}
	if found {
		// Backend error or denial: serve the stale entry rather than fail.
		return entry.Packet, nil
	}
	return nil, err
}

// fetchPkarr gates a DHT lookup behind the DHT rate limiter and coalesces
// concurrent lookups for the same pubkey via singleflight.
func (e *Engine) fetchPkarr(ctx context.Context, pubkey [32]byte, clientIP net.IP) (*wire.SignedPacket, error) {
	if !e.dhtLimiter.Allow(clientIP) {
		return nil, ErrRateLimited
	}

	step := &trace.Step{Backend: "pkarr", Name: zbase32.EncodePublicKey(pubkey)}
	start := time.Now()

	v, err, _ := e.dhtGroup.Do(string(pubkey[:]), func() (interface{}, error) {
		return e.dhtClient.Get(ctx, pubkey)
	})

	step.RTT = time.Since(start)
	step.Err = err
	if t := traceFromContext(ctx); t != nil {
		t.Push(step)
		t.Pop()
	}
	if err != nil {
		return nil, err
	}

	packet := v.(*wire.SignedPacket)
	e.pkarrCache.Put(pubkey, packet)
	return packet, nil
}

// followDelegation resolves an NS delegation: resolve the NS target's
// address through this same engine (which naturally repeats
// the delegation step if that target is itself pkarr-rooted and delegates
// further), then forward the original query to it with the same wire
// machinery as component G.
func (e *Engine) followDelegation(ctx context.Context, rc *resolutionContext, ns *dns.NS, origQname string, qtype, qclass uint16, clientIP net.IP) ([]dns.RR, int, error) {
	addr, err := e.resolveDelegateAddr(ctx, rc, ns.Ns, clientIP)
	if err != nil {
		return nil, dns.RcodeServerFailure, err
	}

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(origQname), qtype)
	q.Question[0].Qclass = qclass
	q.RecursionDesired = false

	resp, err := e.fwd.ForwardTo(ctx, q, addr)
	if err != nil {
		return nil, dns.RcodeServerFailure, err
	}

	return resp.Answer, resp.Rcode, nil
}

func (e *Engine) resolveDelegateAddr(ctx context.Context, rc *resolutionContext, nsName string, clientIP net.IP) (string, error) {
	aRRs, _, aErr := e.resolveStep(ctx, rc, nsName, dns.TypeA, dns.ClassINET, clientIP)
	if addr, ok := extractAddr(aRRs, e.cfg.NSPort); ok {
		return addr, nil
	}

	aaaaRRs, _, aaaaErr := e.resolveStep(ctx, rc, nsName, dns.TypeAAAA, dns.ClassINET, clientIP)
	if addr, ok := extractAddr(aaaaRRs, e.cfg.NSPort); ok {
		return addr, nil
	}

	if aErr != nil {
		return "", aErr
	}
	if aaaaErr != nil {
		return "", aaaaErr
	}
	return "", fmt.Errorf("resolve: no address for delegated nameserver %s", nsName)
}

// resolveIcann resolves an ICANN-rooted query against the configured
// upstream forwarder, chasing any CNAME that lands back on a pkarr name.
func (e *Engine) resolveIcann(ctx context.Context, rc *resolutionContext, qname string, qtype, qclass uint16, clientIP net.IP) ([]dns.RR, int, error) {
	now := time.Now()
	key := cache.IcannKey{Name: normalizeName(qname), Qtype: qtype, Class: qclass}

	if hit, ok := e.icannCache.Get(key, now); ok {
		return rewriteTTLs(hit.Msg.Answer, hit.ExpiresAt, now), hit.Msg.Rcode, nil
	}

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(qname), qtype)
	q.Question[0].Qclass = qclass
	q.RecursionDesired = true

	resp, err := e.fetchIcann(ctx, key, q)
	if err != nil {
		return nil, dns.RcodeServerFailure, err
	}

	e.log.Debug().
		Str("qname", qname).
		Bool("public_suffix", forwarder.IsPublicSuffix(qname)).
		Msg("icann fetch")

	if cnameRR, target, ok := findPkarrCNAME(resp.Answer, e.cfg.TopLevelDomain); ok {
		if !rc.hop() {
			return nil, dns.RcodeServerFailure, ErrBudgetExhausted
		}
		rest, rcode, err := e.resolveStep(ctx, rc, target, qtype, qclass, clientIP)
		return prepend(cnameRR, rest), rcode, err
	}

	e.cacheIcannResponse(key, resp, now)
	return resp.Answer, resp.Rcode, nil
}

// fetchIcann coalesces concurrent misses for the same question via
// singleflight before calling the forwarder.
func (e *Engine) fetchIcann(ctx context.Context, key cache.IcannKey, q *dns.Msg) (*dns.Msg, error) {
	sfKey := fmt.Sprintf("%s|%d|%d", key.Name, key.Qtype, key.Class)

	step := &trace.Step{Backend: "icann", Name: key.Name, Qtype: dns.TypeToString[key.Qtype]}
	start := time.Now()

	v, err, _ := e.icannGroup.Do(sfKey, func() (interface{}, error) {
		return e.fwd.Forward(ctx, q)
	})

	step.RTT = time.Since(start)
	step.Err = err
	if resp, ok := v.(*dns.Msg); ok && resp != nil {
		step.Rcode = dns.RcodeToString[resp.Rcode]
	}
	if t := traceFromContext(ctx); t != nil {
		t.Push(step)
		t.Pop()
	}

	if err != nil {
		return nil, err
	}
	return v.(*dns.Msg), nil
}

func (e *Engine) cacheIcannResponse(key cache.IcannKey, resp *dns.Msg, now time.Time) {
	if e.cfg.MaxTTL <= 0 {
		return
	}

	ttl := e.cfg.MinTTL
	if len(resp.Answer) > 0 {
		ttl = minAnswerTTL(resp.Answer)
	}
	ttl = clampTTL(ttl, e.cfg.MinTTL, e.cfg.MaxTTL)

	e.icannCache.Put(key, resp, now.Add(ttl))
}

func findPkarrCNAME(answer []dns.RR, tld string) (*dns.CNAME, string, bool) {
	for _, rr := range answer {
		c, ok := rr.(*dns.CNAME)
		if !ok {
			continue
		}
		if pkkey.Classify(c.Target, tld).Pkarr {
			return c, c.Target, true
		}
	}
	return nil, "", false
}

func minAnswerTTL(answer []dns.RR) time.Duration {
	min := time.Duration(answer[0].Header().Ttl) * time.Second
	for _, rr := range answer[1:] {
		if ttl := time.Duration(rr.Header().Ttl) * time.Second; ttl < min {
			min = ttl
		}
	}
	return min
}

func clampTTL(ttl, min, max time.Duration) time.Duration {
	if ttl < min {
		return min
	}
	if max > 0 && ttl > max {
		return max
	}
	return ttl
}

func rewriteTTLs(answer []dns.RR, expiresAt, now time.Time) []dns.RR {
	remaining := expiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	out := make([]dns.RR, len(answer))
	for i, rr := range answer {
		cp := dns.Copy(rr)
		cp.Header().Ttl = uint32(remaining.Seconds())
		out[i] = cp
	}
	return out
}

func prepend(rr dns.RR, rest []dns.RR) []dns.RR {
	out := make([]dns.RR, 0, len(rest)+1)
	out = append(out, rr)
	out = append(out, rest...)
	return out
}
