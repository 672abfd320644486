package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/proxykit/internal/runtime/audit"
	"github.com/l0p7/proxykit/internal/runtime/cache"
	"github.com/l0p7/proxykit/internal/runtime/idempotency"
	"github.com/l0p7/proxykit/internal/runtime/pipeline"
	"github.com/l0p7/proxykit/internal/runtime/policy"
	"github.com/l0p7/proxykit/internal/runtime/ratelimit"
	"github.com/l0p7/proxykit/internal/runtime/resultcaching"
	"github.com/l0p7/proxykit/internal/runtime/retry"
	"github.com/l0p7/proxykit/internal/runtime/subject"
	"github.com/l0p7/proxykit/internal/storage/memory"
)

type echoResult struct {
	Value string `json:"value"`
}

func enabledOptions() Options {
	return Options{Enabled: true, AuditSink: memory.NewAuditSink()}
}

func newCall(key string) *pipeline.Call {
	return &pipeline.Call{
		Method:         pipeline.NewMethodKey("demo.Toolkit", "run", "string"),
		Args:           []any{"hello"},
		Subject:        subject.Subject{Type: subject.TypeUser, Value: "alice"},
		CorrelationID:  "corr-1",
		IdempotencyKey: key,
	}
}

func TestRegisterRequiresHandlerAndMethod(t *testing.T) {
	toolkit := New(enabledOptions())

	_, err := toolkit.Register(OperationSpec{Method: pipeline.NewMethodKey("a", "b")})
	assert.Error(t, err)

	_, err = toolkit.Register(OperationSpec{
		Handler: func(context.Context, *pipeline.Call) (any, error) { return nil, nil },
	})
	assert.Error(t, err)
}

func TestRegisterIsIdempotentPerMethodKey(t *testing.T) {
	toolkit := New(enabledOptions())
	method := pipeline.NewMethodKey("demo.Toolkit", "run", "string")

	first, err := toolkit.Register(OperationSpec{
		Method:  method,
		Handler: func(context.Context, *pipeline.Call) (any, error) { return "first", nil },
	})
	require.NoError(t, err)

	second, err := toolkit.Register(OperationSpec{
		Method:  method,
		Handler: func(context.Context, *pipeline.Call) (any, error) { return "second", nil },
	})
	require.NoError(t, err)

	result, err := second(context.Background(), newCall(""))
	require.NoError(t, err)
	assert.Equal(t, "first", result, "re-registration keeps the original chain")

	result, err = first(context.Background(), newCall(""))
	require.NoError(t, err)
	assert.Equal(t, "first", result)
}

func TestOperationLookup(t *testing.T) {
	toolkit := New(enabledOptions())
	method := pipeline.NewMethodKey("demo.Toolkit", "run", "string")

	_, ok := toolkit.Operation(method.Full)
	assert.False(t, ok)

	_, err := toolkit.Register(OperationSpec{
		Method:  method,
		Handler: func(context.Context, *pipeline.Call) (any, error) { return nil, nil },
	})
	require.NoError(t, err)

	_, ok = toolkit.Operation(method.Full)
	assert.True(t, ok)
}

func TestRetryRunsInsideRateLimit(t *testing.T) {
	toolkit := New(enabledOptions())
	attempts := 0
	op, err := toolkit.Register(OperationSpec{
		Method: pipeline.NewMethodKey("demo.Toolkit", "run", "string"),
		Handler: func(context.Context, *pipeline.Call) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
		Retry:     &retry.Spec{MaxAttempts: 3},
		RateLimit: &ratelimit.Spec{PermitsPerSecond: 1},
	})
	require.NoError(t, err)

	result, err := op(context.Background(), newCall(""))
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts, "retries must not consume extra permits")
}

func TestAuditOutermostRecordsFinalOutcome(t *testing.T) {
	sink := memory.NewAuditSink()
	toolkit := New(Options{Enabled: true, AuditSink: sink})

	attempts := 0
	op, err := toolkit.Register(OperationSpec{
		Method: pipeline.NewMethodKey("demo.Toolkit", "run", "string"),
		Handler: func(context.Context, *pipeline.Call) (any, error) {
			attempts++
			if attempts < 2 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
		Audit: &audit.Spec{},
		Retry: &retry.Spec{MaxAttempts: 3},
	})
	require.NoError(t, err)

	_, err = op(context.Background(), newCall(""))
	require.NoError(t, err)

	rows := sink.Rows()
	require.Len(t, rows, 1, "one row per invocation, not per attempt")
	assert.Equal(t, audit.StatusOK, rows[0].Status)
}

func TestRateLimitShortCircuitStillAudited(t *testing.T) {
	sink := memory.NewAuditSink()
	toolkit := New(Options{Enabled: true, AuditSink: sink})

	handlerCalls := 0
	op, err := toolkit.Register(OperationSpec{
		Method: pipeline.NewMethodKey("demo.Toolkit", "run", "string"),
		Handler: func(context.Context, *pipeline.Call) (any, error) {
			handlerCalls++
			return "ok", nil
		},
		Audit:     &audit.Spec{},
		RateLimit: &ratelimit.Spec{PermitsPerSecond: 1},
	})
	require.NoError(t, err)

	_, err = op(context.Background(), newCall(""))
	require.NoError(t, err)
	_, err = op(context.Background(), newCall(""))
	require.Error(t, err)

	assert.Equal(t, 1, handlerCalls)
	rows := sink.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, audit.StatusError, rows[1].Status)
}

func TestIdempotencyReplaySkipsCacheAndHandler(t *testing.T) {
	manager, err := cache.NewManager(cache.NewMemoryFactory(time.Minute, 0), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close(context.Background()) })

	toolkit := New(Options{
		Enabled:          true,
		IdempotencyStore: memory.NewIdempotencyStore(),
		Caches:           manager,
	})

	handlerCalls := 0
	op, err := toolkit.Register(OperationSpec{
		Method:    pipeline.NewMethodKey("demo.Toolkit", "run", "string"),
		NewResult: func() any { return &echoResult{} },
		Handler: func(context.Context, *pipeline.Call) (any, error) {
			handlerCalls++
			return &echoResult{Value: "stored"}, nil
		},
		Idempotency: &idempotency.Spec{RequireKey: true, TTL: time.Hour},
		Cache:       &resultcaching.Spec{Name: "toolkit-test"},
	})
	require.NoError(t, err)

	first, err := op(context.Background(), newCall("key-1"))
	require.NoError(t, err)
	assert.Equal(t, &echoResult{Value: "stored"}, first)

	replay, err := op(context.Background(), newCall("key-1"))
	require.NoError(t, err)
	assert.Equal(t, &echoResult{Value: "stored"}, replay)
	assert.Equal(t, 1, handlerCalls)
}

func TestDisabledToolkitBypassesStages(t *testing.T) {
	toolkit := New(Options{Enabled: false, AuditSink: memory.NewAuditSink()})

	calls := 0
	op, err := toolkit.Register(OperationSpec{
		Method: pipeline.NewMethodKey("demo.Toolkit", "run", "string"),
		Handler: func(context.Context, *pipeline.Call) (any, error) {
			calls++
			return "ok", nil
		},
		RateLimit: &ratelimit.Spec{PermitsPerSecond: 1},
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := op(context.Background(), newCall(""))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, calls)
}

func TestExcludedPrefixBypassesStages(t *testing.T) {
	toolkit := New(Options{Enabled: true, ExcludePrefixes: []string{"demo.Internal"}})

	op, err := toolkit.Register(OperationSpec{
		Method:    pipeline.NewMethodKey("demo.InternalJobs", "tick"),
		Handler:   func(context.Context, *pipeline.Call) (any, error) { return "ok", nil },
		RateLimit: &ratelimit.Spec{PermitsPerSecond: 1},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		call := newCall("")
		call.Method = pipeline.NewMethodKey("demo.InternalJobs", "tick")
		_, err := op(context.Background(), call)
		require.NoError(t, err)
	}
}

func TestBindWiresPolicyLookup(t *testing.T) {
	store := memory.NewPolicyStore()
	require.NoError(t, store.Upsert(context.Background(), policy.Policy{
		SubjectKey: "user:alice",
		MethodKey:  "demo.Toolkit#run(string)",
		Enabled:    false,
	}))

	toolkit := New(Options{Enabled: true, PolicyStore: store})
	op, err := toolkit.Register(OperationSpec{
		Method:    pipeline.NewMethodKey("demo.Toolkit", "run", "string"),
		Handler:   func(context.Context, *pipeline.Call) (any, error) { return "ok", nil },
		RateLimit: &ratelimit.Spec{PermitsPerSecond: 1},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := op(context.Background(), newCall(""))
		require.NoError(t, err, "disabled policy must bypass the limiter")
	}
}

func TestBindSetsMethodAndPrototype(t *testing.T) {
	toolkit := New(Options{Enabled: true})
	method := pipeline.NewMethodKey("demo.Toolkit", "run", "string")
	op, err := toolkit.Register(OperationSpec{
		Method:    method,
		NewResult: func() any { return &echoResult{} },
		Handler: func(_ context.Context, call *pipeline.Call) (any, error) {
			assert.Equal(t, method.Full, call.Method.Full)
			assert.NotNil(t, call.NewResult)
			return nil, nil
		},
	})
	require.NoError(t, err)

	call := &pipeline.Call{}
	_, err = op(context.Background(), call)
	require.NoError(t, err)
}
