// Package runtime assembles the interceptor chain around registered handler
// operations: audit, idempotency, cache, rate limit, retry, outer to inner.
// Absent behaviors are transparent pass-throughs and registration is
// idempotent per method key.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/proxykit/internal/metrics"
	"github.com/l0p7/proxykit/internal/runtime/audit"
	"github.com/l0p7/proxykit/internal/runtime/cache"
	"github.com/l0p7/proxykit/internal/runtime/idempotency"
	"github.com/l0p7/proxykit/internal/runtime/pipeline"
	"github.com/l0p7/proxykit/internal/runtime/policy"
	"github.com/l0p7/proxykit/internal/runtime/ratelimit"
	"github.com/l0p7/proxykit/internal/runtime/resultcaching"
	"github.com/l0p7/proxykit/internal/runtime/retry"
)

// OperationSpec declares one handler operation and the behaviors wrapping
// it. Nil behavior specs leave the corresponding stage out of the chain.
type OperationSpec struct {
	Method  pipeline.MethodKey
	Handler pipeline.Operation

	// NewResult produces the zero value stored responses and cache entries
	// deserialize into. Nil marks a unit-returning operation.
	NewResult func() any

	Audit       *audit.Spec
	Idempotency *idempotency.Spec
	Cache       *resultcaching.Spec
	RateLimit   *ratelimit.Spec
	Retry       *retry.Spec
}

// Options wires the shared collaborators every chain draws on.
type Options struct {
	Enabled         bool
	ExcludePrefixes []string
	MaxPayloadChars int

	AuditSink        audit.Sink
	IdempotencyStore idempotency.Store
	PolicyStore      policy.Store
	Caches           *cache.Manager
	Metrics          *metrics.Recorder
	Logger           *slog.Logger
}

// Toolkit owns the registered operations and the shared limiter registry.
type Toolkit struct {
	opts     Options
	logger   *slog.Logger
	limiters *ratelimit.Registry

	mu         sync.Mutex
	operations map[string]pipeline.Operation
}

// New builds an empty toolkit.
func New(opts Options) *Toolkit {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolkit{
		opts:       opts,
		logger:     logger.With(slog.String("component", "toolkit")),
		limiters:   ratelimit.NewRegistry(),
		operations: make(map[string]pipeline.Operation),
	}
}

// Register wraps the handler in the declared stages and stores the chain
// under its method key. Registering the same key again returns the existing
// chain, so re-wrapping cannot stack stages twice.
func (t *Toolkit) Register(spec OperationSpec) (pipeline.Operation, error) {
	if spec.Handler == nil {
		return nil, errors.New("runtime: operation handler required")
	}
	if spec.Method.Full == "" {
		return nil, errors.New("runtime: operation method key required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.operations[spec.Method.Full]; ok {
		return existing, nil
	}

	op := t.build(spec)
	t.operations[spec.Method.Full] = op
	t.logger.Debug("operation registered", slog.String("methodKey", spec.Method.Full))
	return op, nil
}

// Operation looks up a registered chain by full method key.
func (t *Toolkit) Operation(methodKey string) (pipeline.Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.operations[methodKey]
	return op, ok
}

// build composes the chain inner to outer and finally binds the per-call
// state the stages read: method key, result prototype, and the memoized
// policy lookup.
func (t *Toolkit) build(spec OperationSpec) pipeline.Operation {
	op := spec.Handler

	if t.opts.Enabled && !t.excluded(spec.Method.Full) {
		if spec.Retry != nil {
			op = t.instrument("retry", spec.Method.Short,
				retry.New(*spec.Retry, t.opts.Metrics, t.logger).Wrap(op))
		}
		if spec.RateLimit != nil {
			op = t.instrument("ratelimit", spec.Method.Short,
				ratelimit.New(*spec.RateLimit, t.limiters, t.opts.Metrics, t.logger).Wrap(op))
		}
		if spec.Cache != nil && t.opts.Caches != nil {
			op = t.instrument("cache", spec.Method.Short,
				resultcaching.New(*spec.Cache, t.opts.Caches, t.opts.Metrics, t.logger).Wrap(op))
		}
		if spec.Idempotency != nil && t.opts.IdempotencyStore != nil {
			op = t.instrument("idempotency", spec.Method.Short,
				idempotency.New(*spec.Idempotency, t.opts.IdempotencyStore, t.opts.Metrics, t.logger).Wrap(op))
		}
		if spec.Audit != nil && t.opts.AuditSink != nil {
			auditSpec := *spec.Audit
			if auditSpec.MaxPayloadChars <= 0 {
				auditSpec.MaxPayloadChars = t.opts.MaxPayloadChars
			}
			op = t.instrument("audit", spec.Method.Short,
				audit.New(auditSpec, t.opts.AuditSink, t.opts.Metrics, t.logger).Wrap(op))
		}
	}

	return t.bind(spec, op)
}

// bind fills the call fields owned by registration, not by the transport:
// every invocation then carries the method identity and a policy lookup
// memoized for the call's lifetime.
func (t *Toolkit) bind(spec OperationSpec, op pipeline.Operation) pipeline.Operation {
	return func(ctx context.Context, call *pipeline.Call) (any, error) {
		call.Method = spec.Method
		call.NewResult = spec.NewResult
		if call.PolicyLookup == nil && t.opts.PolicyStore != nil {
			subjectKey := call.Subject.Key()
			call.PolicyLookup = func(ctx context.Context) (*policy.Policy, error) {
				return t.opts.PolicyStore.Find(ctx, subjectKey, spec.Method.Full)
			}
		}
		return op(ctx, call)
	}
}

// instrument times one stage's contribution to the invocation.
func (t *Toolkit) instrument(stage, shortKey string, op pipeline.Operation) pipeline.Operation {
	recorder := t.opts.Metrics
	if recorder == nil {
		return op
	}
	return func(ctx context.Context, call *pipeline.Call) (any, error) {
		started := time.Now()
		result, err := op(ctx, call)
		recorder.ObserveStageDuration(stage, shortKey, time.Since(started))
		return result, err
	}
}

// excluded reports whether the operation's target type carries one of the
// configured bypass prefixes.
func (t *Toolkit) excluded(methodKey string) bool {
	target := methodKey
	if idx := strings.Index(target, "#"); idx >= 0 {
		target = target[:idx]
	}
	for _, prefix := range t.opts.ExcludePrefixes {
		if prefix != "" && strings.HasPrefix(target, prefix) {
			return true
		}
	}
	return false
}
