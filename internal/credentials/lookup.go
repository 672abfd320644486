package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/l0p7/proxykit/internal/runtime/cache"
)

// LookupCacheName keeps credential lookups off the database for a minute,
// misses included.
const LookupCacheName = "apiKeyLookup:ttl=60"

type lookupEntry struct {
	Found      bool        `json:"found"`
	Credential *Credential `json:"credential,omitempty"`
}

// Lookup is the read-through credential resolver. Cache failures degrade to
// direct store reads.
type Lookup struct {
	store  Store
	caches *cache.Manager
	logger *slog.Logger
}

// NewLookup wires the read-through resolver.
func NewLookup(store Store, caches *cache.Manager, logger *slog.Logger) *Lookup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lookup{
		store:  store,
		caches: caches,
		logger: logger.With(slog.String("component", "credential-lookup")),
	}
}

// FindActiveByHash resolves a hashed key to its credential, caching both
// hits and misses. Returns nil when no active credential matches.
func (l *Lookup) FindActiveByHash(ctx context.Context, hash string) (*Credential, error) {
	if hash == "" {
		return nil, errors.New("credentials: hash required")
	}

	valueCache := l.valueCache()
	if valueCache != nil {
		if entry, ok, err := valueCache.Lookup(ctx, hash); err != nil {
			l.logger.Warn("credential cache lookup failed", slog.String("error", err.Error()))
		} else if ok {
			var cached lookupEntry
			if err := json.Unmarshal(entry.Payload, &cached); err == nil {
				if !cached.Found {
					return nil, nil
				}
				return cached.Credential, nil
			}
		}
	}

	cred, err := l.store.FindActiveByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("credentials: lookup: %w", err)
	}

	if valueCache != nil {
		payload, err := json.Marshal(lookupEntry{Found: cred != nil, Credential: cred})
		if err == nil {
			if err := valueCache.Store(ctx, hash, payload); err != nil {
				l.logger.Warn("credential cache store failed", slog.String("error", err.Error()))
			}
		}
	}
	return cred, nil
}

func (l *Lookup) valueCache() cache.ValueCache {
	if l.caches == nil {
		return nil
	}
	c, err := l.caches.GetCache(LookupCacheName)
	if err != nil {
		l.logger.Warn("credential cache unavailable", slog.String("error", err.Error()))
		return nil
	}
	return c
}
