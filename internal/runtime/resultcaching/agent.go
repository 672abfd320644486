// Package resultcaching short-circuits read operations by replaying a stored
// return value. Cache trouble of any kind degrades to a pass-through: a
// caching layer must never turn into a server error.
package resultcaching

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/l0p7/proxykit/internal/canonical"
	"github.com/l0p7/proxykit/internal/metrics"
	"github.com/l0p7/proxykit/internal/runtime/cache"
	"github.com/l0p7/proxykit/internal/runtime/pipeline"
	"github.com/l0p7/proxykit/internal/runtime/subject"
)

// Scope selects how the cache key isolates callers.
type Scope string

const (
	// ScopeGlobal shares entries across all callers.
	ScopeGlobal Scope = "GLOBAL"
	// ScopeSubject isolates entries per resolved subject.
	ScopeSubject Scope = "SUBJECT"

	globalKeyPart    = "global"
	anonymousKeyPart = "anonymous"
)

// Policy override bounds. The name-level clamp in the cache package is wider;
// this one applies only to per-pair overrides.
const (
	MinPolicyTTL = time.Second
	MaxPolicyTTL = time.Hour
)

// Spec declares the caching behavior of one operation.
type Spec struct {
	Name  string
	Scope Scope
	TTL   time.Duration
}

// Stage wraps read operations with a named read-through cache.
type Stage struct {
	spec    Spec
	caches  *cache.Manager
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// New builds the stage over the shared cache manager.
func New(spec Spec, caches *cache.Manager, recorder *metrics.Recorder, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if spec.Scope == "" {
		spec.Scope = ScopeSubject
	}
	return &Stage{
		spec:    spec,
		caches:  caches,
		metrics: recorder,
		logger:  logger.With(slog.String("stage", "cache")),
	}
}

func (s *Stage) Name() string { return "cache" }

// Wrap serves hits from the cache and stores fresh non-nil results. Only
// operations with a result prototype participate: a unit return has nothing
// to replay.
func (s *Stage) Wrap(next pipeline.Operation) pipeline.Operation {
	return func(ctx context.Context, call *pipeline.Call) (any, error) {
		if call.NewResult == nil || !call.StagesEnabled(ctx) {
			return next(ctx, call)
		}

		ttl, enabled := s.effectiveTTL(ctx, call)
		if !enabled {
			return next(ctx, call)
		}

		cacheName := cache.Name(s.spec.Name, ttl)
		valueCache, err := s.caches.GetCache(cacheName)
		if err != nil {
			s.logger.Warn("cache unavailable, passing through",
				slog.String("cache", cacheName),
				slog.String("error", err.Error()))
			return next(ctx, call)
		}

		key, err := s.entryKey(call)
		if err != nil {
			s.logger.Warn("cache key construction failed, passing through",
				slog.String("methodKey", call.Method.Full),
				slog.String("error", err.Error()))
			return next(ctx, call)
		}

		if result, ok := s.lookup(ctx, valueCache, call, key); ok {
			s.metrics.ObserveCache(s.spec.Name, call.Method.Short, true)
			return result, nil
		}
		s.metrics.ObserveCache(s.spec.Name, call.Method.Short, false)

		result, err := next(ctx, call)
		if err != nil {
			return nil, err
		}
		if result != nil {
			s.store(ctx, valueCache, call, key, result)
		}
		return result, nil
	}
}

func (s *Stage) lookup(ctx context.Context, valueCache cache.ValueCache, call *pipeline.Call, key string) (any, bool) {
	entry, ok, err := valueCache.Lookup(ctx, key)
	if err != nil {
		s.logger.Warn("cache lookup failed, treating as miss",
			slog.String("methodKey", call.Method.Full),
			slog.String("error", err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	result := call.NewResult()
	if err := json.Unmarshal(entry.Payload, result); err != nil {
		s.logger.Warn("cached payload unreadable, treating as miss",
			slog.String("methodKey", call.Method.Full),
			slog.String("error", err.Error()))
		return nil, false
	}
	return result, true
}

func (s *Stage) store(ctx context.Context, valueCache cache.ValueCache, call *pipeline.Call, key string, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("result not serializable, skipping cache store",
			slog.String("methodKey", call.Method.Full),
			slog.String("error", err.Error()))
		return
	}
	if err := valueCache.Store(ctx, key, payload); err != nil {
		s.logger.Warn("cache store failed",
			slog.String("methodKey", call.Method.Full),
			slog.String("error", err.Error()))
	}
}

// entryKey is (methodKey, argsHash, scope part). The subject part falls back
// to "anonymous" when resolution yielded no identity.
func (s *Stage) entryKey(call *pipeline.Call) (string, error) {
	argsHash, err := canonical.ArgsHash(call.Args)
	if err != nil {
		return "", err
	}
	scopePart := globalKeyPart
	if s.spec.Scope == ScopeSubject {
		if call.Subject.Type == subject.TypeUnknown || call.Subject.Type == "" {
			scopePart = anonymousKeyPart
		} else {
			scopePart = call.Subject.Key()
		}
	}
	return call.Method.Full + "|" + argsHash + "|" + scopePart, nil
}

// effectiveTTL resolves the policy override. A zero-second override disables
// caching for the pair entirely.
func (s *Stage) effectiveTTL(ctx context.Context, call *pipeline.Call) (time.Duration, bool) {
	p, err := call.Policy(ctx)
	if err != nil || p == nil || p.CacheTTLSeconds == nil {
		return s.spec.TTL, true
	}
	seconds := *p.CacheTTLSeconds
	if seconds == 0 {
		return 0, false
	}
	ttl := time.Duration(seconds) * time.Second
	if ttl < MinPolicyTTL {
		ttl = MinPolicyTTL
	}
	if ttl > MaxPolicyTTL {
		ttl = MaxPolicyTTL
	}
	return ttl, true
}
