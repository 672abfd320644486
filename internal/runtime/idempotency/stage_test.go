package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/proxykit/internal/canonical"
	"github.com/l0p7/proxykit/internal/faults"
	"github.com/l0p7/proxykit/internal/runtime/pipeline"
)

// fakeStore is a scriptable Store: acquire returns a fixed record and every
// transition is captured for assertion.
type fakeStore struct {
	mu sync.Mutex

	acquireRecord Record
	acquireErr    error

	getRecord Record
	getFound  bool
	getErr    error
	getCalls  int
	onGet     func(calls int) (Record, bool)

	completed []string
	failed    []string
}

func (s *fakeStore) AcquireOrGet(_ context.Context, key, methodKey, requestHash string, _ time.Duration, ownerID string) (Record, error) {
	if s.acquireErr != nil {
		return Record{}, s.acquireErr
	}
	record := s.acquireRecord
	if record.IdempotencyKey == "" {
		record.IdempotencyKey = key
	}
	if record.MethodKey == "" {
		record.MethodKey = methodKey
	}
	if record.RequestHash == "" {
		record.RequestHash = requestHash
	}
	if record.Status == "" {
		record.Status = StatusPending
		record.LockedBy = ownerID
	}
	return record, nil
}

func (s *fakeStore) MarkCompleted(_ context.Context, key, _, _, responseJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, key+"="+responseJSON)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, key, _, _, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, key+"="+message)
	return nil
}

func (s *fakeStore) Get(context.Context, string, string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return Record{}, false, s.getErr
	}
	if s.onGet != nil {
		record, found := s.onGet(s.getCalls)
		return record, found, nil
	}
	return s.getRecord, s.getFound, nil
}

func (s *fakeStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type paymentResult struct {
	PaymentID string `json:"paymentId"`
}

func newCall(key string) *pipeline.Call {
	return &pipeline.Call{
		Method:         pipeline.NewMethodKey("demo.Payments", "submit", "PaymentRequest"),
		Args:           []any{map[string]any{"amount": 100, "currency": "PLN"}},
		CorrelationID:  "corr-1",
		IdempotencyKey: key,
		NewResult:      func() any { return &paymentResult{} },
	}
}

func mustHash(t *testing.T, args []any) string {
	t.Helper()
	hash, err := canonical.RequestHash(args)
	require.NoError(t, err)
	return hash
}

func TestClampTTLBounds(t *testing.T) {
	assert.Equal(t, MinTTL, ClampTTL(0))
	assert.Equal(t, MinTTL, ClampTTL(time.Second))
	assert.Equal(t, 2*time.Hour, ClampTTL(2*time.Hour))
	assert.Equal(t, MaxTTL, ClampTTL(30*24*time.Hour))
}

func TestRecordExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, Record{}.Expired(now))
	assert.False(t, Record{ExpiresAt: now.Add(time.Minute)}.Expired(now))
	assert.True(t, Record{ExpiresAt: now.Add(-time.Minute)}.Expired(now))
}

func TestMissingKeyRequiredFails(t *testing.T) {
	stage := New(Spec{RequireKey: true, TTL: time.Hour}, &fakeStore{}, nil, nil)
	op := stage.Wrap(func(context.Context, *pipeline.Call) (any, error) {
		t.Fatal("inner operation must not run")
		return nil, nil
	})

	_, err := op(context.Background(), newCall(""))
	assert.Equal(t, faults.KindMissingIdempotencyKey, faults.KindOf(err))
}

func TestMissingKeyOptionalPassesThrough(t *testing.T) {
	stage := New(Spec{RequireKey: false, TTL: time.Hour}, &fakeStore{}, nil, nil)
	op := stage.Wrap(func(context.Context, *pipeline.Call) (any, error) {
		return &paymentResult{PaymentID: "p-1"}, nil
	})

	result, err := op(context.Background(), newCall(""))
	require.NoError(t, err)
	assert.Equal(t, "p-1", result.(*paymentResult).PaymentID)
}

func TestOwnerExecutesAndMarksCompleted(t *testing.T) {
	store := &fakeStore{}
	stage := New(Spec{TTL: time.Hour}, store, nil, nil)
	op := stage.Wrap(func(context.Context, *pipeline.Call) (any, error) {
		return &paymentResult{PaymentID: "p-1"}, nil
	})

	result, err := op(context.Background(), newCall("key-1"))
	require.NoError(t, err)
	assert.Equal(t, "p-1", result.(*paymentResult).PaymentID)
	require.Len(t, store.completed, 1)
	assert.Equal(t, `key-1={"paymentId":"p-1"}`, store.completed[0])
	assert.Empty(t, store.failed)
}

func TestInnerFailureMarksFailedAndPropagates(t *testing.T) {
	store := &fakeStore{}
	stage := New(Spec{TTL: time.Hour}, store, nil, nil)
	innerErr := errors.New("downstream unavailable")
	op := stage.Wrap(func(context.Context, *pipeline.Call) (any, error) {
		return nil, innerErr
	})

	_, err := op(context.Background(), newCall("key-1"))
	assert.ErrorIs(t, err, innerErr)
	require.Len(t, store.failed, 1)
	assert.Equal(t, "key-1=downstream unavailable", store.failed[0])
	assert.Empty(t, store.completed)
}

func TestCompletedRecordReplaysStoredResponse(t *testing.T) {
	call := newCall("key-1")
	store := &fakeStore{acquireRecord: Record{
		RequestHash:  mustHash(t, call.Args),
		Status:       StatusCompleted,
		ResponseJSON: `{"paymentId":"stored"}`,
	}}
	stage := New(Spec{TTL: time.Hour}, store, nil, nil)
	op := stage.Wrap(func(context.Context, *pipeline.Call) (any, error) {
		t.Fatal("inner operation must not run")
		return nil, nil
	})

	result, err := op(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "stored", result.(*paymentResult).PaymentID)
}

func TestCompletedRecordWithUnreadableResponse(t *testing.T) {
	call := newCall("key-1")
	store := &fakeStore{acquireRecord: Record{
		RequestHash:  mustHash(t, call.Args),
		Status:       StatusCompleted,
		ResponseJSON: `"not an object"`,
	}}
	stage := New(Spec{TTL: time.Hour}, store, nil, nil)
	op := stage.Wrap(func(context.Context, *pipeline.Call) (any, error) { return nil, nil })

	_, err := op(context.Background(), call)
	assert.Equal(t, faults.KindStoredResponseUnreadable, faults.KindOf(err))
}

func TestFailedRecordConflicts(t *testing.T) {
	call := newCall("key-1")
	store := &fakeStore{acquireRecord: Record{
		RequestHash: mustHash(t, call.Args),
		Status:      StatusFailed,
	}}
	stage := New(Spec{TTL: time.Hour}, store, nil, nil)
	op := stage.Wrap(func(context.Context, *pipeline.Call) (any, error) { return nil, nil })

	_, err := op(context.Background(), call)
	assert.Equal(t, faults.KindKeyPreviousFailed, faults.KindOf(err))
}

func TestDifferentPayloadConflicts(t *testing.T) {
	store := &fakeStore{acquireRecord: Record{
		RequestHash: "another-payload-hash",
		Status:      StatusCompleted,
	}}
	stage := New(Spec{TTL: time.Hour, ConflictOnDifferentRequest: true}, store, nil, nil)
	op := stage.Wrap(func(context.Context, *pipeline.Call) (any, error) { return nil, nil })

	_, err := op(context.Background(), newCall("key-1"))
	assert.Equal(t, faults.KindKeyPayloadConflict, faults.KindOf(err))
}

func TestDifferentPayloadToleratedWhenNotConfigured(t *testing.T) {
	store := &fakeStore{acquireRecord: Record{
		RequestHash:  "another-payload-hash",
		Status:       StatusCompleted,
		ResponseJSON: `{"paymentId":"stored"}`,
	}}
	stage := New(Spec{TTL: time.Hour, ConflictOnDifferentRequest: false}, store, nil, nil)
	op := stage.Wrap(func(context.Context, *pipeline.Call) (any, error) { return nil, nil })

	result, err := op(context.Background(), newCall("key-1"))
	require.NoError(t, err)
	assert.Equal(t, "stored", result.(*paymentResult).PaymentID)
}

func TestOtherOwnerPendingPollsThenConflicts(t *testing.T) {
	call := newCall("key-1")
	pending := Record{
		RequestHash: mustHash(t, call.Args),
		Status:      StatusPending,
		LockedBy:    "someone-else",
	}
	store := &fakeStore{acquireRecord: pending, getRecord: pending, getFound: true}

	stage := New(Spec{TTL: time.Hour, RejectInFlight: true}, store, nil, nil)
	stage.pollStep = time.Millisecond
	stage.pollBudget = 10 * time.Millisecond
	op := stage.Wrap(func(context.Context, *pipeline.Call) (any, error) {
		t.Fatal("inner operation must not run for a foreign claim")
		return nil, nil
	})

	_, err := op(context.Background(), call)
	assert.Equal(t, faults.KindKeyInFlight, faults.KindOf(err))
	assert.Greater(t, store.getCalls, 1)
}

func TestPollObservesCompletionMidFlight(t *testing.T) {
	call := newCall("key-1")
	hash := mustHash(t, call.Args)
	store := &fakeStore{
		acquireRecord: Record{RequestHash: hash, Status: StatusPending, LockedBy: "someone-else"},
		onGet: func(calls int) (Record, bool) {
			if calls < 3 {
				return Record{RequestHash: hash, Status: StatusPending, LockedBy: "someone-else"}, true
			}
			return Record{RequestHash: hash, Status: StatusCompleted, ResponseJSON: `{"paymentId":"won"}`}, true
		},
	}

	stage := New(Spec{TTL: time.Hour, RejectInFlight: true}, store, nil, nil)
	stage.pollStep = time.Millisecond
	stage.pollBudget = time.Second
	op := stage.Wrap(func(context.Context, *pipeline.Call) (any, error) { return nil, nil })

	result, err := op(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "won", result.(*paymentResult).PaymentID)
}

func TestPollHonorsCancellation(t *testing.T) {
	call := newCall("key-1")
	pending := Record{
		RequestHash: mustHash(t, call.Args),
		Status:      StatusPending,
		LockedBy:    "someone-else",
	}
	store := &fakeStore{acquireRecord: pending, getRecord: pending, getFound: true}

	stage := New(Spec{TTL: time.Hour, RejectInFlight: true}, store, nil, nil)
	stage.pollStep = 5 * time.Millisecond
	stage.pollBudget = time.Minute
	op := stage.Wrap(func(context.Context, *pipeline.Call) (any, error) { return nil, nil })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := op(ctx, call)
	assert.ErrorIs(t, err, context.Canceled)
	if _, isFault := faults.AsFault(err); isFault {
		t.Fatal("cancellation must not surface as a conflict fault")
	}
}

func TestOtherOwnerExecutesWhenInFlightTolerated(t *testing.T) {
	call := newCall("key-1")
	store := &fakeStore{acquireRecord: Record{
		RequestHash: mustHash(t, call.Args),
		Status:      StatusPending,
		LockedBy:    "someone-else",
	}}
	stage := New(Spec{TTL: time.Hour, RejectInFlight: false}, store, nil, nil)
	op := stage.Wrap(func(context.Context, *pipeline.Call) (any, error) {
		return &paymentResult{PaymentID: "p-2"}, nil
	})

	result, err := op(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "p-2", result.(*paymentResult).PaymentID)
}

func TestAcquireFailureIsFatal(t *testing.T) {
	store := &fakeStore{acquireErr: errors.New("database down")}
	stage := New(Spec{TTL: time.Hour}, store, nil, nil)
	op := stage.Wrap(func(context.Context, *pipeline.Call) (any, error) { return nil, nil })

	_, err := op(context.Background(), newCall("key-1"))
	assert.ErrorContains(t, err, "acquire record")
}
