// Package dispatch is the UDP dispatcher (and optional DoH transport): it
// receives datagrams, parses them, gates them through the DNS rate
// limiter, hands the question to the resolver engine, and serializes the
// response back to the client.
//
// The fixed-size worker-pool-over-a-channel shape is grounded on
// other_examples/07afde82_poyrazK-cloudDNS__internal-dns-server-server.go
// (udpQueue + udpWorker), adapted so the receive loop never blocks on
// resolution.
package dispatch

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/pkdns/pkdns/internal/cache"
	"github.com/pkdns/pkdns/internal/config"
	"github.com/pkdns/pkdns/internal/dht"
	"github.com/pkdns/pkdns/internal/forwarder"
	"github.com/pkdns/pkdns/internal/ratelimit"
	"github.com/pkdns/pkdns/internal/resolve"
	"github.com/pkdns/pkdns/internal/trace"
)

// job is one received datagram queued for a worker.
type job struct {
	data []byte
	addr net.Addr
	conn net.PacketConn
}

// Server binds the configured UDP socket (and, if configured, a DoH HTTP
// socket) and dispatches queries to a resolve.Engine.
type Server struct {
	cfg        config.Config
	engine     *resolve.Engine
	dnsLimiter *ratelimit.Limiter
	log        zerolog.Logger

	jobs chan job
}

// NewServer wires together the caches, backends, limiters and engine
// described by cfg.
func NewServer(cfg config.Config, log zerolog.Logger) (*Server, error) {
	pkarrCache := cache.NewPkarr(cfg.DHTCacheMB * 1024 * 1024)
	icannCache := cache.NewIcann(cfg.IcannCacheMB * 1024 * 1024)

	dhtLimiter := ratelimit.New(ratelimit.Config{
		Rate:  cfg.DHTQueryRateLimit,
		Burst: cfg.DHTQueryRateLimitBurst,
	})
	dnsLimiter := ratelimit.New(ratelimit.Config{
		Rate:  cfg.QueryRateLimit,
		Burst: cfg.QueryRateLimitBurst,
	})

	dnsClient := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	fwd := forwarder.New(cfg.Forward, dnsClient)

	engine := resolve.New(resolve.Config{
		TopLevelDomain:    cfg.TopLevelDomain,
		MinTTL:            cfg.MinTTLDuration(),
		MaxTTL:            cfg.MaxTTLDuration(),
		MaxRecursionDepth: cfg.MaxRecursionDepth,
		DisableAny:        cfg.DisableAnyQueries,
		QueryTimeout:      5 * time.Second,
	}, resolve.Deps{
		PkarrCache: pkarrCache,
		IcannCache: icannCache,
		DHTClient:  dht.NewMapClient(),
		DHTLimiter: dhtLimiter,
		Forwarder:  fwd,
		Logger:     log,
	})

	return &Server{
		cfg:        cfg,
		engine:     engine,
		dnsLimiter: dnsLimiter,
		log:        log,
		jobs:       make(chan job, 4096),
	}, nil
}

// Run binds the configured sockets and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.cfg.Socket)
	if err != nil {
		return err
	}
	defer pc.Close()

	threads := s.cfg.Threads
	if threads <= 0 {
		threads = 4
	}

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go s.worker(ctx, &wg)
	}

	var httpSrv *http.Server
	if s.cfg.DNSOverHTTPSocket != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/dns-query", s.handleDoH)
		httpSrv = &http.Server{Addr: s.cfg.DNSOverHTTPSocket, Handler: mux}

		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error().Err(err).Msg("doh server exited")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		pc.Close()
		if httpSrv != nil {
			httpSrv.Close()
		}
	}()

	s.log.Info().Str("socket", s.cfg.Socket).Msg("listening")

	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case s.jobs <- job{data: data, addr: addr, conn: pc}:
		default:
			// Worker pool saturated: the receive loop never blocks on
			// resolution, so an overflow datagram is dropped.
		}
	}

	close(s.jobs)
	wg.Wait()

	return nil
}

func (s *Server) worker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for j := range s.jobs {
		s.handleDatagram(ctx, j)
	}
}

func (s *Server) handleDatagram(ctx context.Context, j job) {
	req := new(dns.Msg)
	if err := req.Unpack(j.data); err != nil {
		return // malformed datagram: drop silently.
	}

	ip := addrIP(j.addr)

	resp := s.Answer(ctx, req, ip)
	if resp == nil {
		return
	}

	out, err := resp.Pack()
	if err != nil {
		return
	}

	_, _ = j.conn.WriteTo(out, j.addr)
}

// Answer runs req through the rate limiter and the resolver engine,
// returning the wire-ready response, or nil if the query should be
// dropped silently (rate limited, amplification guard, or malformed).
func (s *Server) Answer(ctx context.Context, req *dns.Msg, clientIP net.IP) *dns.Msg {
	if len(req.Question) != 1 {
		return nil
	}

	if !s.dnsLimiter.Allow(clientIP) {
		return nil // rate limited: drop silently.
	}

	var t *trace.Trace
	if s.cfg.Trace {
		t = &trace.Trace{}
		ctx = resolve.WithTrace(ctx, t)
	}

	outcome := s.engine.Resolve(ctx, req.Question[0], clientIP)

	if t != nil {
		s.log.Debug().
			Str("qname", req.Question[0].Name).
			Str("qtype", dns.TypeToString[req.Question[0].Qtype]).
			Str("trace", t.Dump()).
			Msg("query trace")
	}

	if outcome.Drop {
		return nil // ANY suppression: drop silently.
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = false
	resp.RecursionAvailable = true
	resp.Rcode = outcome.Rcode
	resp.Answer = outcome.Answer

	return resp
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return net.IPv4zero
		}
		return net.ParseIP(host)
	}
}
