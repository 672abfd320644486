package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/proxykit/internal/faults"
	"github.com/l0p7/proxykit/internal/metrics"
	"github.com/l0p7/proxykit/internal/runtime/pipeline"
)

// Permit bounds for spec values and policy overrides.
const (
	MinPermits = 1
	MaxPermits = 100000
)

// Spec declares the rate-limit behavior of one operation.
type Spec struct {
	PermitsPerSecond int
	Burst            int
}

// ClampPermits forces a permits-per-second value into the supported window.
func ClampPermits(permits int) int {
	if permits < MinPermits {
		return MinPermits
	}
	if permits > MaxPermits {
		return MaxPermits
	}
	return permits
}

// Stage rejects invocations once the triple's window is exhausted. The
// limiter lives in a shared registry so every operation with the same triple
// drains the same window.
type Stage struct {
	spec     Spec
	registry *Registry
	metrics  *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// New builds the stage over a shared limiter registry.
func New(spec Spec, registry *Registry, recorder *metrics.Recorder, logger *slog.Logger) *Stage {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		spec:     spec,
		registry: registry,
		metrics:  recorder,
		logger:   logger.With(slog.String("stage", "ratelimit")),
		now:      time.Now,
	}
}

func (s *Stage) Name() string { return "ratelimit" }

// Wrap gates the inner operation behind the limiter. The allowed decision is
// counted before the inner call runs, so a business failure below still
// consumed its permit.
func (s *Stage) Wrap(next pipeline.Operation) pipeline.Operation {
	return func(ctx context.Context, call *pipeline.Call) (any, error) {
		if !call.StagesEnabled(ctx) {
			return next(ctx, call)
		}

		limitForPeriod := s.limitForPeriod(ctx, call)
		subjectType := string(call.Subject.Type)

		if !s.registry.Acquire(call.Method.Full, subjectType, limitForPeriod, s.now()) {
			s.metrics.ObserveRateLimit(call.Method.Short, subjectType, false)
			s.logger.Debug("rate limit exceeded",
				slog.String("methodKey", call.Method.Full),
				slog.String("subjectType", subjectType),
				slog.Int("limitForPeriod", limitForPeriod))
			return nil, faults.RateLimited("rate limit exceeded for "+call.Method.Short, RefreshPeriod)
		}

		s.metrics.ObserveRateLimit(call.Method.Short, subjectType, true)
		return next(ctx, call)
	}
}

// limitForPeriod resolves the effective window size: policy overrides clamp
// first, then burst widens the window when it exceeds the steady rate.
func (s *Stage) limitForPeriod(ctx context.Context, call *pipeline.Call) int {
	permits := s.spec.PermitsPerSecond
	burst := s.spec.Burst

	if p, err := call.Policy(ctx); err == nil && p != nil {
		if p.RateLimitPerSecond != nil {
			permits = *p.RateLimitPerSecond
		}
		if p.RateLimitBurst != nil {
			burst = *p.RateLimitBurst
		}
	}

	permits = ClampPermits(permits)
	if burst > permits {
		return ClampPermits(burst)
	}
	return permits
}
