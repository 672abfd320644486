// Package policy stores per-(subject, method) overrides that parameterize
// the idempotency, cache, rate-limit, and retry stages.
package policy

import (
	"context"
	"time"
)

// Policy is one override row. Nil pointer fields mean "no override"; the
// stage falls back to its spec default.
type Policy struct {
	SubjectKey string
	MethodKey  string

	// Enabled false bypasses every stage except audit for this pair.
	Enabled bool

	RateLimitPerSecond    *int
	RateLimitBurst        *int
	RetryMaxAttempts      *int
	RetryBaseBackoffMs    *int
	CacheTTLSeconds       *int
	IdempotencyTTLSeconds *int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the durable policy relation. Find returns nil when no row exists
// for the pair.
type Store interface {
	Find(ctx context.Context, subjectKey, methodKey string) (*Policy, error)
	Upsert(ctx context.Context, p Policy) error
}
