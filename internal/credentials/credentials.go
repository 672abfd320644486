// Package credentials manages API client credentials: hashing raw keys,
// storing the hashes, and the read-through lookup the subject resolver and
// admin surface rely on. Raw keys are never persisted.
package credentials

import (
	"context"
	"time"
)

// Credential is one issued API key, stored only as a salted hash.
type Credential struct {
	ID         int64
	ClientName string
	APIKeyHash string
	Enabled    bool
	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store is the durable credential relation.
type Store interface {
	FindActiveByHash(ctx context.Context, hash string) (*Credential, error)
	Create(ctx context.Context, c Credential) (Credential, error)
	TouchLastUsed(ctx context.Context, hash string, at time.Time) error
}
