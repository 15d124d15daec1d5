package resolve

import (
	"net"
	"strings"

	"github.com/miekg/dns"
)

// normalizeName lower-cases name and strips a trailing root dot, so that
// owner-name comparisons are case-insensitive and dot-tolerant.
func normalizeName(name string) string {
	name = strings.ToLower(name)
	if name == "." {
		return "@"
	}
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return "@"
	}
	return name
}

// matchZoneRecords selects, from a pkarr zone's RR set, the records whose
// owner name equals sub. It returns any direct qtype matches (for
// dns.TypeANY, every record at sub regardless of type); failing that, a
// CNAME at sub; failing that, an NS at sub.
func matchZoneRecords(rrs []dns.RR, sub string, qtype uint16) (direct []dns.RR, cname *dns.CNAME, ns *dns.NS) {
	target := normalizeName(sub)

	for _, rr := range rrs {
		if normalizeName(rr.Header().Name) != target {
			continue
		}
		if qtype == dns.TypeANY || rr.Header().Rrtype == qtype {
			direct = append(direct, rr)
		}
	}
	if len(direct) > 0 {
		return direct, nil, nil
	}

	for _, rr := range rrs {
		if normalizeName(rr.Header().Name) != target {
			continue
		}
		if c, ok := rr.(*dns.CNAME); ok {
			return nil, c, nil
		}
	}

	for _, rr := range rrs {
		if normalizeName(rr.Header().Name) != target {
			continue
		}
		if n, ok := rr.(*dns.NS); ok {
			return nil, nil, n
		}
	}

	return nil, nil, nil
}

// extractAddr returns the first IPv4/IPv6 literal address found in rrs,
// formatted as host:port.
func extractAddr(rrs []dns.RR, port string) (string, bool) {
	for _, rr := range rrs {
		switch rr := rr.(type) {
		case *dns.A:
			return net.JoinHostPort(rr.A.String(), port), true
		case *dns.AAAA:
			return net.JoinHostPort(rr.AAAA.String(), port), true
		}
	}
	return "", false
}
