//go:build windows
// +build windows

package config

import "errors"

// DiscoverSystemForward is unimplemented on Windows: there is no
// /etc/resolv.conf to read, and miekg/dns does not offer a portable
// equivalent (a prior root_windows.go hit the same gap in root-server
// discovery).
func DiscoverSystemForward() (string, error) {
	return "", errors.New("config: discover system resolver: unimplemented on windows")
}
