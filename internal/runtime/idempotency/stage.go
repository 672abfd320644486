package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/l0p7/proxykit/internal/canonical"
	"github.com/l0p7/proxykit/internal/faults"
	"github.com/l0p7/proxykit/internal/metrics"
	"github.com/l0p7/proxykit/internal/runtime/pipeline"
)

// Spec declares the idempotency behavior of one operation.
type Spec struct {
	RequireKey                 bool
	TTL                        time.Duration
	ConflictOnDifferentRequest bool
	RejectInFlight             bool
}

const (
	defaultPollStep   = 200 * time.Millisecond
	defaultPollBudget = 2 * time.Second
)

// Stage enforces the idempotency contract around the inner operation.
type Stage struct {
	spec    Spec
	store   Store
	metrics *metrics.Recorder
	logger  *slog.Logger

	pollStep   time.Duration
	pollBudget time.Duration
}

// New builds the stage. The spec TTL is clamped on construction so every
// acquire sees a sane window.
func New(spec Spec, store Store, recorder *metrics.Recorder, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	spec.TTL = ClampTTL(spec.TTL)
	return &Stage{
		spec:       spec,
		store:      store,
		metrics:    recorder,
		logger:     logger.With(slog.String("stage", "idempotency")),
		pollStep:   defaultPollStep,
		pollBudget: defaultPollBudget,
	}
}

func (s *Stage) Name() string { return "idempotency" }

// Wrap implements the claim-execute-terminalize protocol. Storage failures
// are fatal to the request: a write that cannot prove its dedup state must
// not run.
func (s *Stage) Wrap(next pipeline.Operation) pipeline.Operation {
	return func(ctx context.Context, call *pipeline.Call) (any, error) {
		if !call.StagesEnabled(ctx) {
			return next(ctx, call)
		}

		key := call.IdempotencyKey
		if key == "" {
			if s.spec.RequireKey {
				return nil, faults.New(faults.KindMissingIdempotencyKey, "X-Idempotency-Key header required")
			}
			return next(ctx, call)
		}

		requestHash, err := canonical.RequestHash(call.Args)
		if err != nil {
			return nil, fmt.Errorf("idempotency: hash request: %w", err)
		}

		record, err := s.store.AcquireOrGet(ctx, key, call.Method.Full, requestHash, s.effectiveTTL(ctx, call), call.CorrelationID)
		if err != nil {
			return nil, fmt.Errorf("idempotency: acquire record: %w", err)
		}

		if s.spec.ConflictOnDifferentRequest && record.RequestHash != requestHash {
			return nil, faults.New(faults.KindKeyPayloadConflict, "idempotency key reused with a different payload")
		}

		switch record.Status {
		case StatusCompleted:
			return s.serveStored(call, record)
		case StatusFailed:
			return nil, faults.New(faults.KindKeyPreviousFailed, "previous attempt with this idempotency key failed")
		}

		// PENDING. The claim holder executes; with rejectInFlight off a
		// non-owner executes too and the store serializes the outcome.
		if record.LockedBy == call.CorrelationID || !s.spec.RejectInFlight {
			return s.execute(ctx, call, next, key, requestHash)
		}

		return s.awaitOtherOwner(ctx, call, key, requestHash)
	}
}

// awaitOtherOwner short-polls the record while another owner holds the
// claim. Cancellation propagates as the caller's cancellation error, never
// as a conflict.
func (s *Stage) awaitOtherOwner(ctx context.Context, call *pipeline.Call, key, requestHash string) (any, error) {
	deadline := time.Now().Add(s.pollBudget)
	ticker := time.NewTicker(s.pollStep)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		record, found, err := s.store.Get(ctx, key, call.Method.Full)
		if err != nil {
			return nil, fmt.Errorf("idempotency: poll record: %w", err)
		}
		if !found {
			break
		}
		switch record.Status {
		case StatusCompleted:
			return s.serveStored(call, record)
		case StatusFailed:
			return nil, faults.New(faults.KindKeyPreviousFailed, "previous attempt with this idempotency key failed")
		}
	}

	s.metrics.ObserveIdempotencyInFlightConflict(call.Method.Short)
	return nil, faults.New(faults.KindKeyInFlight, "request with this idempotency key is in progress")
}

// execute runs the inner operation under the claim and terminalizes the
// record with the outcome.
func (s *Stage) execute(ctx context.Context, call *pipeline.Call, next pipeline.Operation, key, requestHash string) (any, error) {
	s.metrics.ObserveIdempotencyExecuted(call.Method.Short)

	result, err := next(ctx, call)
	if err != nil {
		if markErr := s.store.MarkFailed(ctx, key, call.Method.Full, requestHash, err.Error()); markErr != nil {
			s.logger.Error("mark failed did not persist",
				slog.String("methodKey", call.Method.Full),
				slog.String("error", markErr.Error()))
		}
		return nil, err
	}

	responseJSON := ""
	if result != nil {
		payload, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			return nil, fmt.Errorf("idempotency: serialize response: %w", marshalErr)
		}
		responseJSON = string(payload)
	}
	if err := s.store.MarkCompleted(ctx, key, call.Method.Full, requestHash, responseJSON); err != nil {
		return nil, fmt.Errorf("idempotency: mark completed: %w", err)
	}
	return result, nil
}

// serveStored replays the recorded response into the operation's return
// type.
func (s *Stage) serveStored(call *pipeline.Call, record Record) (any, error) {
	s.metrics.ObserveIdempotencyServed(call.Method.Short)

	if call.NewResult == nil || record.ResponseJSON == "" {
		return nil, nil
	}
	result := call.NewResult()
	if err := json.Unmarshal([]byte(record.ResponseJSON), result); err != nil {
		return nil, faults.Newf(faults.KindStoredResponseUnreadable,
			"stored response no longer matches the operation return type: %v", err)
	}
	return result, nil
}

func (s *Stage) effectiveTTL(ctx context.Context, call *pipeline.Call) time.Duration {
	p, err := call.Policy(ctx)
	if err != nil || p == nil || p.IdempotencyTTLSeconds == nil {
		return s.spec.TTL
	}
	return ClampTTL(time.Duration(*p.IdempotencyTTLSeconds) * time.Second)
}
