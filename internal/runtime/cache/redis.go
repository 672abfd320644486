package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

// NewRedisClient dials the redis/valkey endpoint shared by every
// redis-backed cache the manager materializes.
func NewRedisClient(cfg RedisConfig) (valkey.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return client, nil
}

type redisCache struct {
	client valkey.Client
	name   string
	ttl    time.Duration
}

// NewRedisFactory yields fresh builders producing caches backed by the given
// client. Each cache namespaces its keys under its full name, so two caches
// differing only in TTL suffix never share entries. The client is owned by
// the caller and survives cache Close.
func NewRedisFactory(client valkey.Client, baseTTL time.Duration) Factory {
	return func() *Builder {
		return &Builder{
			ttl: baseTTL,
			construct: func(name string, b *Builder) (ValueCache, error) {
				ttl := b.ttl
				if ttl <= 0 {
					ttl = 30 * time.Second
				}
				return &redisCache{client: client, name: name, ttl: ttl}, nil
			},
		}
	}
}

func (c *redisCache) redisKey(key string) string {
	return "proxykit:" + c.name + ":" + key
}

func (c *redisCache) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(c.redisKey(key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	if time.Now().After(entry.ExpiresAt) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (c *redisCache) Store(ctx context.Context, key string, payload []byte) error {
	now := time.Now().UTC()
	entry := Entry{
		Payload:   payload,
		StoredAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	cmd := c.client.B().Set().Key(c.redisKey(key)).Value(string(encoded)).Px(c.ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (c *redisCache) Size(ctx context.Context) (int64, error) {
	resp := c.client.Do(ctx, c.client.B().Dbsize().Build())
	size, err := resp.ToInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: redis dbsize: %w", err)
	}
	return size, nil
}

func (c *redisCache) Close(context.Context) error {
	return nil
}
