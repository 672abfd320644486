package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option for the proxykit runtime.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Toolkit ToolkitConfig `koanf:"toolkit"`
	Cache   CacheConfig   `koanf:"cache"`
	Storage StorageConfig `koanf:"storage"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle layer.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ToolkitConfig governs the interceptor pipeline itself.
type ToolkitConfig struct {
	Enabled         bool              `koanf:"enabled"`
	MaxPayloadChars int               `koanf:"maxPayloadChars"`
	ExcludePrefixes []string          `koanf:"excludePrefixes"`
	Security        SecurityConfig    `koanf:"security"`
	Idempotency     IdempotencyConfig `koanf:"idempotency"`
	Policy          PolicyConfig      `koanf:"policy"`
}

// SecurityConfig wraps API key hashing parameters.
type SecurityConfig struct {
	APIKey APIKeyConfig `koanf:"apiKey"`
}

// APIKeyConfig holds the pepper and digest used when hashing raw client keys.
type APIKeyConfig struct {
	Pepper    string `koanf:"pepper"`
	Algorithm string `koanf:"algorithm"`
}

// IdempotencyConfig controls the background sweep of expired records.
type IdempotencyConfig struct {
	CleanupInterval time.Duration `koanf:"cleanupInterval"`
}

// PolicyConfig points at an optional YAML seed file applied to the policy
// store at boot and re-applied on change.
type PolicyConfig struct {
	SeedFile string `koanf:"seedFile"`
}

// CacheConfig selects the named-cache backend shared by every read-through
// consumer.
type CacheConfig struct {
	Backend    string           `koanf:"backend"`
	TTLSeconds int              `koanf:"ttlSeconds"`
	Redis      RedisCacheConfig `koanf:"redis"`
}

// RedisCacheConfig carries connection settings for the redis backend.
type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

// RedisTLSConfig toggles TLS for the redis connection.
type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// StorageConfig selects the durable store. An empty DSN switches the process
// to in-memory stores.
type StorageConfig struct {
	Postgres PostgresConfig `koanf:"postgres"`
}

// PostgresConfig carries the gorm/postgres DSN.
type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

// DefaultConfig returns the baseline applied before file and env overrides.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Toolkit: ToolkitConfig{
			Enabled:         true,
			MaxPayloadChars: 20000,
			Security: SecurityConfig{
				APIKey: APIKeyConfig{
					Algorithm: "sha256",
				},
			},
			Idempotency: IdempotencyConfig{
				CleanupInterval: 10 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Backend:    "memory",
			TTLSeconds: 300,
		},
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: server.listen.port %d out of range", c.Server.Listen.Port))
	}
	switch strings.ToLower(c.Server.Logging.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		errs = append(errs, fmt.Errorf("config: server.logging.level %q unsupported", c.Server.Logging.Level))
	}
	switch strings.ToLower(c.Server.Logging.Format) {
	case "json", "text", "":
	default:
		errs = append(errs, fmt.Errorf("config: server.logging.format %q unsupported", c.Server.Logging.Format))
	}

	if c.Toolkit.MaxPayloadChars < 0 {
		errs = append(errs, errors.New("config: toolkit.maxPayloadChars must not be negative"))
	}
	switch strings.ToLower(c.Toolkit.Security.APIKey.Algorithm) {
	case "sha256", "sha512", "":
	default:
		errs = append(errs, fmt.Errorf("config: toolkit.security.apiKey.algorithm %q unsupported", c.Toolkit.Security.APIKey.Algorithm))
	}
	if c.Toolkit.Idempotency.CleanupInterval < 0 {
		errs = append(errs, errors.New("config: toolkit.idempotency.cleanupInterval must not be negative"))
	}

	switch strings.ToLower(c.Cache.Backend) {
	case "memory", "":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			errs = append(errs, errors.New("config: cache.redis.address required when cache.backend is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: cache.backend %q unsupported", c.Cache.Backend))
	}
	if c.Cache.TTLSeconds <= 0 {
		errs = append(errs, errors.New("config: cache.ttlSeconds must be positive"))
	}

	return errors.Join(errs...)
}
