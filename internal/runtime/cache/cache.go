// Package cache materializes named value caches with a per-name TTL encoded
// in the cache name itself. The result-caching stage and the credential
// lookup both read through caches produced here.
package cache

import (
	"context"
	"time"
)

// Entry is the stored representation of one cached value. Payload is the
// canonical JSON of the value so memory and redis backends stay
// interchangeable.
type Entry struct {
	Payload   []byte    `json:"payload"`
	StoredAt  time.Time `json:"storedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ValueCache is one named cache materialized by the Manager.
type ValueCache interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, payload []byte) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
