// Package ratelimit rejects calls exceeding the permitted rate for a
// subject type. Limiters use a fixed one-second refresh window, an
// approximation of a token bucket that is documented to callers.
package ratelimit

import (
	"strconv"
	"sync"
	"time"
)

// RefreshPeriod is the fixed limiter window. Retry-After hints derive from
// it.
const RefreshPeriod = time.Second

// limiter is one fixed-window counter. Acquisition is non-blocking: a call
// either takes a permit from the current window or is rejected.
type limiter struct {
	limit int

	mu          sync.Mutex
	windowStart time.Time
	used        int
}

func newLimiter(limit int) *limiter {
	return &limiter{limit: limit}
}

// tryAcquire takes one permit from the window containing now.
func (l *limiter) tryAcquire(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.windowStart) >= RefreshPeriod {
		l.windowStart = now
		l.used = 0
	}
	if l.used >= l.limit {
		return false
	}
	l.used++
	return true
}

// Registry holds one limiter per (methodKey, subjectType, limitForPeriod)
// triple. The key deliberately excludes the subject identity so the map stays
// bounded by the distinct triples, not by the caller population.
type Registry struct {
	limiters sync.Map
}

// NewRegistry builds an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func tripleKey(methodKey, subjectType string, limitForPeriod int) string {
	return methodKey + "|" + subjectType + "|" + strconv.Itoa(limitForPeriod)
}

// Acquire takes a permit from the triple's limiter, constructing it on first
// use. Construction races resolve through LoadOrStore so every caller shares
// one limiter per triple.
func (r *Registry) Acquire(methodKey, subjectType string, limitForPeriod int, now time.Time) bool {
	key := tripleKey(methodKey, subjectType, limitForPeriod)
	value, ok := r.limiters.Load(key)
	if !ok {
		value, _ = r.limiters.LoadOrStore(key, newLimiter(limitForPeriod))
	}
	return value.(*limiter).tryAcquire(now)
}

// Size reports the number of materialized limiters.
func (r *Registry) Size() int {
	count := 0
	r.limiters.Range(func(any, any) bool {
		count++
		return true
	})
	return count
}
