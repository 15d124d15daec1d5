//go:build !windows
// +build !windows

package config

import (
	"fmt"

	"github.com/miekg/dns"
)

// DiscoverSystemForward reads /etc/resolv.conf for a usable ICANN upstream,
// used by cmd/pkdns as a fallback when "forward" is left unset in the
// config file and on the command line.
//
// Adapted from a prior root_nix.go Resolver.discoverRootServers, which
// read the same file via dns.ClientConfigFromFile to seed root-server
// discovery; here it seeds the single configured forwarder instead of a
// root hint list.
func DiscoverSystemForward() (string, error) {
	cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("config: discover system resolver: %w", err)
	}
	if len(cc.Servers) == 0 {
		return "", fmt.Errorf("config: discover system resolver: no nameservers in /etc/resolv.conf")
	}

	return cc.Servers[0] + ":" + cc.Port, nil
}
