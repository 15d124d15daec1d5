// Package config loads pkdns's configuration surface: a TOML config file
// overridden by CLI flags.
//
// The TOML struct-tag style is grounded on
// other_examples/76eda2f8_folbricht-routedns__cmd-routedns-config.go, which
// loads a DNS forwarder's listeners/resolvers from a BurntSushi/toml file
// via struct tags; the tags here are lower-cased and underscore-separated.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is pkdns's full configuration surface.
type Config struct {
	Socket                 string  `toml:"socket"`
	Forward                string  `toml:"forward"`
	DNSOverHTTPSocket      string  `toml:"dns_over_http_socket"`
	Verbose                bool    `toml:"verbose"`
	MinTTL                 int     `toml:"min_ttl"`
	MaxTTL                 int     `toml:"max_ttl"`
	QueryRateLimit         float64 `toml:"query_rate_limit"`
	QueryRateLimitBurst    int     `toml:"query_rate_limit_burst"`
	DisableAnyQueries      bool    `toml:"disable_any_queries"`
	IcannCacheMB           int     `toml:"icann_cache_mb"`
	MaxRecursionDepth      int     `toml:"max_recursion_depth"`
	DHTCacheMB             int     `toml:"dht_cache_mb"`
	DHTQueryRateLimit      float64 `toml:"dht_query_rate_limit"`
	DHTQueryRateLimitBurst int     `toml:"dht_query_rate_limit_burst"`
	TopLevelDomain         string  `toml:"top_level_domain"`
	Threads                int     `toml:"threads"`

	// Directory is the on-disk "pknames" directory. It is opaque to this
	// server: recorded verbatim, never resolved by this repo.
	Directory string `toml:"directory"`

	// Trace enables per-query backend-lookup tracing, dumped at debug log
	// level after each query completes.
	Trace bool `toml:"trace"`
}

// Default returns pkdns's documented configuration defaults.
func Default() Config {
	return Config{
		Socket:            "0.0.0.0:53",
		MinTTL:            60,
		MaxTTL:            86400,
		MaxRecursionDepth: 15,
		Threads:           4,
	}
}

// Load reads a TOML config file at path, overlaying its values onto
// Default(). An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// MinTTLDuration and MaxTTLDuration convert the second-denominated config
// fields into time.Duration for use by the resolver engine and caches.
func (c Config) MinTTLDuration() time.Duration { return time.Duration(c.MinTTL) * time.Second }
func (c Config) MaxTTLDuration() time.Duration { return time.Duration(c.MaxTTL) * time.Second }

// ApplyCacheTTL is the CLI --cache-ttl shorthand: it sets both the TTL
// floor and ceiling to the same value.
func (c *Config) ApplyCacheTTL(seconds int) {
	c.MinTTL = seconds
	c.MaxTTL = seconds
}
