package forwarder

import (
	"net"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// TimeoutPolicy determines the round-trip timeout for a single query to a
// given upstream address. Adapted from a prior policy.go
// TimeoutPolicy/DefaultTimeoutPolicy, which gave low latency credit to
// addresses in well-known private/test ranges; here that same heuristic
// bounds NS-delegation hops (ForwardTo), which in a pkarr-heavy deployment
// frequently target loopback or lab addresses rather than the public
// internet.
type TimeoutPolicy func(addr string) time.Duration

// DefaultTimeoutPolicy returns the policy ForwardTo uses when none is
// configured: 100ms for destinations in PrivateNets, 2s otherwise.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return func(addr string) time.Duration {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return 2 * time.Second
		}

		for _, n := range PrivateNets {
			if n.Contains(ip) {
				return 100 * time.Millisecond
			}
		}
		return 2 * time.Second
	}
}

// PrivateNets lists the ranges DefaultTimeoutPolicy treats as low-latency,
// carried over verbatim from a prior policy.go.
var PrivateNets = []*net.IPNet{
	mustParseCIDR("10.0.0.0/8"),
	mustParseCIDR("127.0.0.0/8"),
	mustParseCIDR("169.254.0.0/16"),
	mustParseCIDR("172.16.0.0/12"),
	mustParseCIDR("192.0.0.0/24"),
	mustParseCIDR("192.0.2.0/24"),
	mustParseCIDR("192.168.0.0/16"),
	mustParseCIDR("198.18.0.0/15"),
	mustParseCIDR("198.51.100.0/24"),
	mustParseCIDR("203.0.113.0/24"),
	mustParseCIDR("233.252.0.0/24"),
	mustParseCIDR("::1/128"),
	mustParseCIDR("2001:db8::/32"),
	mustParseCIDR("fd00::/8"),
	mustParseCIDR("fe80::/10"),
}

func mustParseCIDR(cidr string) *net.IPNet {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	return n
}

// IsPublicSuffix reports whether fqdn (trailing dot optional) is itself a
// public suffix such as "com." or "co.uk.", per https://publicsuffix.org/.
// Adapted from a prior isPublicSuffix (policy.go/dns.go); the resolver
// engine uses it only as a field of its debug log line for each ICANN
// fetch, never to alter caching or resolution semantics.
func IsPublicSuffix(fqdn string) bool {
	name := strings.TrimSuffix(fqdn, ".")
	s, _ := publicsuffix.PublicSuffix(name)
	return s == name
}
