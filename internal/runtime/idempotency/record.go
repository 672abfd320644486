// Package idempotency suppresses duplicate writes sharing a caller-supplied
// key. The durable record and its pessimistic claim protocol live behind the
// Store interface; the stage drives the state machine.
package idempotency

import (
	"context"
	"time"
)

// Status is the lifecycle state of one record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// TTL bounds for policy overrides. The spec default passes through Clamp as
// well so a misdeclared operation cannot pin rows forever.
const (
	MinTTL = time.Minute
	MaxTTL = 7 * 24 * time.Hour
)

// ClampTTL forces a requested record TTL into the supported window.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// Record is one durable idempotency row, unique per (key, method).
type Record struct {
	ID             int64
	IdempotencyKey string
	MethodKey      string
	RequestHash    string
	Status         Status
	ResponseJSON   string
	ErrorMessage   string
	ExpiresAt      time.Time
	LockedAt       *time.Time
	LockedBy       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the record should be treated as absent.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now)
}

// Store is the durable record relation. Every mutating entry point is atomic
// at row granularity: implementations take a row lock for the duration of
// the transition so observers never see a half-written state.
type Store interface {
	// AcquireOrGet runs the claim protocol for (key, methodKey) and returns
	// the resulting record: insert as PENDING when absent, reset when
	// expired, take the lock when PENDING and unlocked, otherwise return the
	// row unchanged.
	AcquireOrGet(ctx context.Context, key, methodKey, requestHash string, ttl time.Duration, ownerID string) (Record, error)

	// MarkCompleted transitions the row to COMPLETED with the serialized
	// response and clears the lock.
	MarkCompleted(ctx context.Context, key, methodKey, requestHash, responseJSON string) error

	// MarkFailed transitions the row to FAILED with the error message and
	// clears the lock.
	MarkFailed(ctx context.Context, key, methodKey, requestHash, message string) error

	// Get reads the current row without claiming it.
	Get(ctx context.Context, key, methodKey string) (Record, bool, error)

	// DeleteExpired bulk-deletes rows whose expiry is in the past and
	// reports how many went away.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
