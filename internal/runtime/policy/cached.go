package policy

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL is how long one lookup result, present or absent, stays
// authoritative in the local cache.
const DefaultCacheTTL = 30 * time.Second

type cachedEntry struct {
	policy    *Policy
	expiresAt time.Time
}

// CachedStore is a read-through wrapper over a Store. Empty lookups are
// cached as absent so a missing row cannot turn into a database storm.
type CachedStore struct {
	inner Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cachedEntry
}

// NewCachedStore wraps inner with a local TTL cache. A non-positive ttl
// falls back to DefaultCacheTTL.
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedEntry),
	}
}

func cacheKey(subjectKey, methodKey string) string {
	return subjectKey + "|" + methodKey
}

// Find serves from the local cache when fresh, otherwise reads through and
// records the result, including absence.
func (s *CachedStore) Find(ctx context.Context, subjectKey, methodKey string) (*Policy, error) {
	key := cacheKey(subjectKey, methodKey)
	now := s.now()

	s.mu.Lock()
	if entry, ok := s.entries[key]; ok && now.Before(entry.expiresAt) {
		p := clonePolicy(entry.policy)
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	p, err := s.inner.Find(ctx, subjectKey, methodKey)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.entries[key] = cachedEntry{policy: clonePolicy(p), expiresAt: now.Add(s.ttl)}
	s.mu.Unlock()
	return clonePolicy(p), nil
}

// Upsert writes through and drops the pair's cached entry so the next read
// observes the new row.
func (s *CachedStore) Upsert(ctx context.Context, p Policy) error {
	if err := s.inner.Upsert(ctx, p); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, cacheKey(p.SubjectKey, p.MethodKey))
	s.mu.Unlock()
	return nil
}

func clonePolicy(p *Policy) *Policy {
	if p == nil {
		return nil
	}
	out := *p
	out.RateLimitPerSecond = cloneInt(p.RateLimitPerSecond)
	out.RateLimitBurst = cloneInt(p.RateLimitBurst)
	out.RetryMaxAttempts = cloneInt(p.RetryMaxAttempts)
	out.RetryBaseBackoffMs = cloneInt(p.RetryBaseBackoffMs)
	out.CacheTTLSeconds = cloneInt(p.CacheTTLSeconds)
	out.IdempotencyTTLSeconds = cloneInt(p.IdempotencyTTLSeconds)
	return &out
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
