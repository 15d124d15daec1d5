package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0:53", cfg.Socket)
	assert.Equal(t, 60, cfg.MinTTL)
	assert.Equal(t, 86400, cfg.MaxTTL)
	assert.Equal(t, 15, cfg.MaxRecursionDepth)
	assert.Equal(t, 4, cfg.Threads)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFileOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pkdns.toml")

	contents := `
socket = "127.0.0.1:5353"
forward = "1.1.1.1:53"
top_level_domain = "key"
query_rate_limit = 50
query_rate_limit_burst = 100
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5353", cfg.Socket)
	assert.Equal(t, "1.1.1.1:53", cfg.Forward)
	assert.Equal(t, "key", cfg.TopLevelDomain)
	assert.Equal(t, 50.0, cfg.QueryRateLimit)
	assert.Equal(t, 100, cfg.QueryRateLimitBurst)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, 60, cfg.MinTTL)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyCacheTTLSetsBothBounds(t *testing.T) {
	cfg := Default()
	cfg.ApplyCacheTTL(120)

	assert.Equal(t, 120, cfg.MinTTL)
	assert.Equal(t, 120, cfg.MaxTTL)
	assert.Equal(t, cfg.MinTTLDuration(), cfg.MaxTTLDuration())
}
