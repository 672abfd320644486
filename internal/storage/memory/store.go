// Package memory provides in-process implementations of the storage
// relations. The process wires them when no postgres DSN is configured; the
// interceptor semantics are identical to the durable stores.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/l0p7/proxykit/internal/credentials"
	"github.com/l0p7/proxykit/internal/runtime/audit"
	"github.com/l0p7/proxykit/internal/runtime/idempotency"
	"github.com/l0p7/proxykit/internal/runtime/policy"
)

// IdempotencyStore keeps records in a mutex-guarded map. The single mutex
// stands in for the database row lock, so the claim protocol stays
// linearizable per (key, method).
type IdempotencyStore struct {
	mu      sync.Mutex
	rows    map[string]idempotency.Record
	nextID  int64
	nowFunc func() time.Time
}

// NewIdempotencyStore builds an empty record store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		rows:    make(map[string]idempotency.Record),
		nextID:  1,
		nowFunc: time.Now,
	}
}

// SetNow overrides the store clock, for expiry tests.
func (s *IdempotencyStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

func recordKey(key, methodKey string) string {
	return key + "|" + methodKey
}

// AcquireOrGet runs the claim protocol under the store lock.
func (s *IdempotencyStore) AcquireOrGet(_ context.Context, key, methodKey, requestHash string, ttl time.Duration, ownerID string) (idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc().UTC()
	id := recordKey(key, methodKey)

	row, ok := s.rows[id]
	switch {
	case !ok:
		row = idempotency.Record{
			ID:             s.nextID,
			IdempotencyKey: key,
			MethodKey:      methodKey,
			RequestHash:    requestHash,
			Status:         idempotency.StatusPending,
			ExpiresAt:      now.Add(ttl),
			LockedAt:       &now,
			LockedBy:       ownerID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		s.nextID++
	case row.Expired(now):
		row.RequestHash = requestHash
		row.Status = idempotency.StatusPending
		row.ResponseJSON = ""
		row.ErrorMessage = ""
		row.ExpiresAt = now.Add(ttl)
		row.LockedAt = &now
		row.LockedBy = ownerID
		row.UpdatedAt = now
	case row.Status == idempotency.StatusPending && row.LockedBy == "":
		row.LockedAt = &now
		row.LockedBy = ownerID
		row.UpdatedAt = now
	}

	s.rows[id] = row
	return row, nil
}

// MarkCompleted terminalizes the row with the serialized response.
func (s *IdempotencyStore) MarkCompleted(_ context.Context, key, methodKey, requestHash, responseJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.rows[recordKey(key, methodKey)]
	row.RequestHash = requestHash
	row.Status = idempotency.StatusCompleted
	row.ResponseJSON = responseJSON
	row.ErrorMessage = ""
	row.LockedAt = nil
	row.LockedBy = ""
	row.UpdatedAt = s.nowFunc().UTC()
	s.rows[recordKey(key, methodKey)] = row
	return nil
}

// MarkFailed terminalizes the row with the failure message.
func (s *IdempotencyStore) MarkFailed(_ context.Context, key, methodKey, requestHash, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.rows[recordKey(key, methodKey)]
	row.RequestHash = requestHash
	row.Status = idempotency.StatusFailed
	row.ErrorMessage = message
	row.LockedAt = nil
	row.LockedBy = ""
	row.UpdatedAt = s.nowFunc().UTC()
	s.rows[recordKey(key, methodKey)] = row
	return nil
}

// Get reads the current row without claiming it.
func (s *IdempotencyStore) Get(_ context.Context, key, methodKey string) (idempotency.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[recordKey(key, methodKey)]
	return row, ok, nil
}

// DeleteExpired removes rows whose expiry predates now.
func (s *IdempotencyStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, row := range s.rows {
		if row.Expired(now) {
			delete(s.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

// Count reports the number of live rows, for invariant assertions.
func (s *IdempotencyStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// AuditSink accumulates rows in memory.
type AuditSink struct {
	mu   sync.Mutex
	rows []audit.Record
}

// NewAuditSink builds an empty sink.
func NewAuditSink() *AuditSink {
	return &AuditSink{}
}

// Append stores one row.
func (s *AuditSink) Append(_ context.Context, record audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, record)
	return nil
}

// Rows returns a snapshot of everything appended so far.
func (s *AuditSink) Rows() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Record, len(s.rows))
	copy(out, s.rows)
	return out
}

// PolicyStore keeps override rows in memory.
type PolicyStore struct {
	mu   sync.RWMutex
	rows map[string]policy.Policy
}

// NewPolicyStore builds an empty policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{rows: make(map[string]policy.Policy)}
}

func policyKey(subjectKey, methodKey string) string {
	return subjectKey + "|" + methodKey
}

// Find returns nil when no override row exists for the pair.
func (s *PolicyStore) Find(_ context.Context, subjectKey, methodKey string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[policyKey(subjectKey, methodKey)]
	if !ok {
		return nil, nil
	}
	out := row
	return &out, nil
}

// Upsert inserts or replaces the pair's override row.
func (s *PolicyStore) Upsert(_ context.Context, p policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.rows[policyKey(p.SubjectKey, p.MethodKey)]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.rows[policyKey(p.SubjectKey, p.MethodKey)] = p
	return nil
}

// CredentialStore keeps issued credentials in memory.
type CredentialStore struct {
	mu     sync.Mutex
	rows   map[string]credentials.Credential
	nextID int64
}

// NewCredentialStore builds an empty credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{rows: make(map[string]credentials.Credential), nextID: 1}
}

// FindActiveByHash returns nil when no enabled credential matches.
func (s *CredentialStore) FindActiveByHash(_ context.Context, hash string) (*credentials.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[hash]
	if !ok || !row.Enabled {
		return nil, nil
	}
	out := row
	return &out, nil
}

// Create stores a new credential and returns it with its assigned id.
func (s *CredentialStore) Create(_ context.Context, c credentials.Credential) (credentials.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	c.ID = s.nextID
	s.nextID++
	c.CreatedAt = now
	c.UpdatedAt = now
	s.rows[c.APIKeyHash] = c
	return c, nil
}

// TouchLastUsed stamps the credential's last successful use.
func (s *CredentialStore) TouchLastUsed(_ context.Context, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[hash]
	if !ok {
		return nil
	}
	row.LastUsedAt = &at
	row.UpdatedAt = time.Now().UTC()
	s.rows[hash] = row
	return nil
}
