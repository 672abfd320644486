// Package retry re-invokes the innermost operation on transient failure with
// exponential backoff and jitter. Because the stage sits innermost, retried
// attempts never re-enter cache, idempotency, rate limiting, or audit.
package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/l0p7/proxykit/internal/faults"
	"github.com/l0p7/proxykit/internal/metrics"
	"github.com/l0p7/proxykit/internal/runtime/pipeline"
)

// Attempt and backoff bounds.
const (
	MinAttempts    = 1
	MaxAttempts    = 20
	MaxBaseBackoff = 60 * time.Second

	jitterFraction = 0.2
)

// Spec declares the retry behavior of one operation. RetryOn lists the fault
// kinds worth another attempt; IgnoreOn carves exceptions out of that set.
// An empty RetryOn captures only generic runtime failures (KindInternal).
type Spec struct {
	MaxAttempts int
	BaseBackoff time.Duration
	RetryOn     []faults.Kind
	IgnoreOn    []faults.Kind
}

// ClampAttempts forces an attempt budget into [MinAttempts, MaxAttempts].
func ClampAttempts(attempts int) int {
	if attempts < MinAttempts {
		return MinAttempts
	}
	if attempts > MaxAttempts {
		return MaxAttempts
	}
	return attempts
}

// ClampBackoff forces a base backoff into [0, MaxBaseBackoff].
func ClampBackoff(backoff time.Duration) time.Duration {
	if backoff < 0 {
		return 0
	}
	if backoff > MaxBaseBackoff {
		return MaxBaseBackoff
	}
	return backoff
}

// Stage wraps the handler body with a bounded attempt loop.
type Stage struct {
	spec    Spec
	metrics *metrics.Recorder
	logger  *slog.Logger

	retryOn  map[faults.Kind]bool
	ignoreOn map[faults.Kind]bool
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func() float64
}

// New builds the stage, clamping the spec on construction.
func New(spec Spec, recorder *metrics.Recorder, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	spec.MaxAttempts = ClampAttempts(spec.MaxAttempts)
	spec.BaseBackoff = ClampBackoff(spec.BaseBackoff)

	retryOn := make(map[faults.Kind]bool, len(spec.RetryOn))
	for _, kind := range spec.RetryOn {
		retryOn[kind] = true
	}
	if len(retryOn) == 0 {
		retryOn[faults.KindInternal] = true
	}
	ignoreOn := make(map[faults.Kind]bool, len(spec.IgnoreOn))
	for _, kind := range spec.IgnoreOn {
		ignoreOn[kind] = true
	}

	return &Stage{
		spec:     spec,
		metrics:  recorder,
		logger:   logger.With(slog.String("stage", "retry")),
		retryOn:  retryOn,
		ignoreOn: ignoreOn,
		sleep:    sleepContext,
		jitter:   rand.Float64,
	}
}

func (s *Stage) Name() string { return "retry" }

// Wrap runs the attempt loop. The delay before attempt n+1 is
// base * 2^(n-1) with uniform multiplicative jitter of +/-20%, and the wait
// honors context cancellation.
func (s *Stage) Wrap(next pipeline.Operation) pipeline.Operation {
	return func(ctx context.Context, call *pipeline.Call) (any, error) {
		if !call.StagesEnabled(ctx) {
			return next(ctx, call)
		}

		maxAttempts, baseBackoff := s.effectiveBudget(ctx, call)
		s.metrics.ObserveRetryCall(call.Method.Short)
		started := time.Now()
		defer func() {
			s.metrics.ObserveRetryDuration(call.Method.Short, time.Since(started))
		}()

		var lastErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			s.metrics.ObserveRetryAttempt(call.Method.Short)
			result, err := next(ctx, call)
			if err == nil {
				return result, nil
			}
			lastErr = err

			if attempt == maxAttempts || !s.retryable(err) {
				break
			}
			s.logger.Debug("attempt failed, backing off",
				slog.String("methodKey", call.Method.Full),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			if sleepErr := s.sleep(ctx, s.delay(baseBackoff, attempt)); sleepErr != nil {
				return nil, sleepErr
			}
		}

		s.metrics.ObserveRetryExhausted(call.Method.Short)
		return nil, lastErr
	}
}

// retryable classifies the root cause: the kind must be in retryOn, outside
// ignoreOn, and never one of the kinds that must not re-execute.
func (s *Stage) retryable(err error) bool {
	kind := faults.KindOf(err)
	if faults.NonRetryable(kind) {
		return false
	}
	if s.ignoreOn[kind] {
		return false
	}
	return s.retryOn[kind]
}

// delay computes base * 2^(attempt-1) with +/-20% jitter.
func (s *Stage) delay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	backoff := float64(base) * float64(int64(1)<<uint(attempt-1))
	factor := 1 - jitterFraction + 2*jitterFraction*s.jitter()
	return time.Duration(backoff * factor)
}

func (s *Stage) effectiveBudget(ctx context.Context, call *pipeline.Call) (int, time.Duration) {
	maxAttempts := s.spec.MaxAttempts
	baseBackoff := s.spec.BaseBackoff
	if p, err := call.Policy(ctx); err == nil && p != nil {
		if p.RetryMaxAttempts != nil {
			maxAttempts = ClampAttempts(*p.RetryMaxAttempts)
		}
		if p.RetryBaseBackoffMs != nil {
			baseBackoff = ClampBackoff(time.Duration(*p.RetryBaseBackoffMs) * time.Millisecond)
		}
	}
	return maxAttempts, baseBackoff
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
