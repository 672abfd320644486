package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := NewLoader("").Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Listen.Address)
	assert.Equal(t, 8080, cfg.Server.Listen.Port)
	assert.True(t, cfg.Toolkit.Enabled)
	assert.Equal(t, 20000, cfg.Toolkit.MaxPayloadChars)
	assert.Equal(t, 10*time.Minute, cfg.Toolkit.Idempotency.CleanupInterval)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 300, cfg.Cache.TTLSeconds)
	assert.Empty(t, cfg.Storage.Postgres.DSN)
}

func TestLoadYAMLFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "proxykit.yaml", `
server:
  listen:
    port: 9090
toolkit:
  maxPayloadChars: 512
  excludePrefixes:
    - "internal/health."
cache:
  backend: redis
  redis:
    address: localhost:6379
`)

	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Listen.Port)
	assert.Equal(t, 512, cfg.Toolkit.MaxPayloadChars)
	assert.Equal(t, []string{"internal/health."}, cfg.Toolkit.ExcludePrefixes)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "localhost:6379", cfg.Cache.Redis.Address)
}

func TestLoadJSONFile(t *testing.T) {
	path := writeConfig(t, "proxykit.json", `{"server":{"listen":{"port":7000}}}`)

	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Listen.Port)
}

func TestLoadTOMLFile(t *testing.T) {
	path := writeConfig(t, "proxykit.toml", "[server.listen]\nport = 7100\n")

	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Server.Listen.Port)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeConfig(t, "proxykit.ini", "port=1")

	_, err := NewLoader("", path).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config format")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := NewLoader("", filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "proxykit.yaml", "server:\n  listen:\n    port: 9090\n")
	t.Setenv("PROXYKIT_SERVER__LISTEN__PORT", "9443")
	t.Setenv("PROXYKIT_TOOLKIT__SECURITY__APIKEY__PEPPER", "s3cret")

	cfg, err := NewLoader("PROXYKIT", path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9443, cfg.Server.Listen.Port)
	assert.Equal(t, "s3cret", cfg.Toolkit.Security.APIKey.Pepper)
}

func TestLoadValidatesResult(t *testing.T) {
	path := writeConfig(t, "proxykit.yaml", "server:\n  listen:\n    port: -1\n")

	_, err := NewLoader("", path).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestValidateRedisBackendNeedsAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.Backend = "redis"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.redis.address")
}

func TestValidateRejectsUnknownAlgorithm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Toolkit.Security.APIKey.Algorithm = "md5"
	require.Error(t, cfg.Validate())
}
