package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/proxykit/internal/faults"
	"github.com/l0p7/proxykit/internal/runtime"
	"github.com/l0p7/proxykit/internal/runtime/audit"
	"github.com/l0p7/proxykit/internal/runtime/idempotency"
	"github.com/l0p7/proxykit/internal/runtime/pipeline"
	"github.com/l0p7/proxykit/internal/runtime/ratelimit"
	"github.com/l0p7/proxykit/internal/runtime/resultcaching"
	"github.com/l0p7/proxykit/internal/runtime/retry"
)

const demoTargetType = "proxykit/demo.DemoService"

// CachedQuote is the cacheable demo payload. StableValue changes on every
// real execution, so two equal values prove a cache hit.
type CachedQuote struct {
	CustomerID  string `json:"customerId"`
	StableValue string `json:"stableValue"`
	GeneratedAt string `json:"generatedAt"`
}

// PaymentRequest is the idempotent demo input.
type PaymentRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// PaymentResult is the idempotent demo payload. PaymentID is minted once per
// idempotency key.
type PaymentResult struct {
	PaymentID   string `json:"paymentId"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	ProcessedAt string `json:"processedAt"`
}

// PingResult is the rate-limited demo payload.
type PingResult struct {
	Message string `json:"message"`
	At      string `json:"at"`
}

// RetryResult reports which attempt finally succeeded.
type RetryResult struct {
	Attempt int    `json:"attempt"`
	At      string `json:"at"`
}

// DemoService exercises each interceptor behavior over a toy handler, one
// operation per stage.
type DemoService struct {
	cached      pipeline.Operation
	idempotent  pipeline.Operation
	ratelimited pipeline.Operation
	retried     pipeline.Operation

	// attempts counts consecutive failures per (subject, failTimes) so the
	// retry demo can fail deterministically before succeeding.
	attempts sync.Map
}

// NewDemoService registers the four demo operations with the toolkit.
func NewDemoService(toolkit *runtime.Toolkit) (*DemoService, error) {
	s := &DemoService{}

	cached, err := toolkit.Register(runtime.OperationSpec{
		Method:    pipeline.NewMethodKey(demoTargetType, "cachedQuote", "string"),
		NewResult: func() any { return &CachedQuote{} },
		Handler:   s.cachedQuote,
		Audit:     &audit.Spec{CaptureArgs: true, CaptureResult: true},
		Cache: &resultcaching.Spec{
			Name:  "demoQuotes",
			Scope: resultcaching.ScopeSubject,
			TTL:   60 * time.Second,
		},
	})
	if err != nil {
		return nil, err
	}
	s.cached = cached

	idempotent, err := toolkit.Register(runtime.OperationSpec{
		Method:    pipeline.NewMethodKey(demoTargetType, "submitPayment", "PaymentRequest"),
		NewResult: func() any { return &PaymentResult{} },
		Handler:   s.submitPayment,
		Audit:     &audit.Spec{CaptureArgs: true, CaptureResult: true},
		Idempotency: &idempotency.Spec{
			RequireKey:                 true,
			TTL:                        24 * time.Hour,
			ConflictOnDifferentRequest: true,
			RejectInFlight:             true,
		},
	})
	if err != nil {
		return nil, err
	}
	s.idempotent = idempotent

	ratelimited, err := toolkit.Register(runtime.OperationSpec{
		Method:    pipeline.NewMethodKey(demoTargetType, "ping"),
		NewResult: func() any { return &PingResult{} },
		Handler:   s.ping,
		Audit:     &audit.Spec{},
		RateLimit: &ratelimit.Spec{PermitsPerSecond: 2, Burst: 2},
	})
	if err != nil {
		return nil, err
	}
	s.ratelimited = ratelimited

	retried, err := toolkit.Register(runtime.OperationSpec{
		Method:    pipeline.NewMethodKey(demoTargetType, "flaky", "int"),
		NewResult: func() any { return &RetryResult{} },
		Handler:   s.flaky,
		Audit:     &audit.Spec{CaptureArgs: true},
		Retry:     &retry.Spec{MaxAttempts: 4, BaseBackoff: 200 * time.Millisecond},
	})
	if err != nil {
		return nil, err
	}
	s.retried = retried

	return s, nil
}

func (s *DemoService) cachedQuote(_ context.Context, call *pipeline.Call) (any, error) {
	customerID, _ := call.Args[0].(string)
	return &CachedQuote{
		CustomerID:  customerID,
		StableValue: uuid.NewString(),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (s *DemoService) submitPayment(_ context.Context, call *pipeline.Call) (any, error) {
	request, _ := call.Args[0].(PaymentRequest)
	return &PaymentResult{
		PaymentID:   uuid.NewString(),
		Amount:      request.Amount,
		Currency:    request.Currency,
		ProcessedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (s *DemoService) ping(context.Context, *pipeline.Call) (any, error) {
	return &PingResult{Message: "pong", At: time.Now().UTC().Format(time.RFC3339Nano)}, nil
}

// flaky fails its first failTimes attempts per subject, then succeeds and
// resets its counter.
func (s *DemoService) flaky(_ context.Context, call *pipeline.Call) (any, error) {
	failTimes, _ := call.Args[0].(int)
	counterKey := call.Subject.Key() + "|" + strconv.Itoa(failTimes)

	value, _ := s.attempts.LoadOrStore(counterKey, new(int64))
	counter := value.(*int64)
	attempt := int(atomic.AddInt64(counter, 1))

	if attempt <= failTimes {
		return nil, fmt.Errorf("transient demo failure on attempt %d", attempt)
	}
	s.attempts.Delete(counterKey)
	return &RetryResult{Attempt: attempt, At: time.Now().UTC().Format(time.RFC3339Nano)}, nil
}

// ServeCachedQuote handles GET /api/demo/cache.
func (s *DemoService) ServeCachedQuote(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	customerID := r.URL.Query().Get("customerId")
	if customerID == "" {
		writeError(w, r, logger, faults.New(faults.KindBadRequest, "customerId query parameter required"))
		return
	}
	s.invoke(w, r, logger, s.cached, []any{customerID})
}

// ServeSubmitPayment handles POST /api/demo/idempotent.
func (s *DemoService) ServeSubmitPayment(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	var request PaymentRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, logger, faults.New(faults.KindBadRequest, "request body must be JSON with amount and currency"))
		return
	}
	if request.Amount <= 0 || request.Currency == "" {
		writeError(w, r, logger, faults.New(faults.KindBadRequest, "amount must be positive and currency present"))
		return
	}
	s.invoke(w, r, logger, s.idempotent, []any{request})
}

// ServePing handles GET /api/demo/ratelimited.
func (s *DemoService) ServePing(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	s.invoke(w, r, logger, s.ratelimited, nil)
}

// ServeFlaky handles GET /api/demo/retry.
func (s *DemoService) ServeFlaky(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	failTimes, err := strconv.Atoi(r.URL.Query().Get("failTimes"))
	if err != nil || failTimes < 0 {
		writeError(w, r, logger, faults.New(faults.KindBadRequest, "failTimes query parameter must be a non-negative integer"))
		return
	}
	s.invoke(w, r, logger, s.retried, []any{failTimes})
}

func (s *DemoService) invoke(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op pipeline.Operation, args []any) {
	meta := MetaFrom(r.Context())
	call := &pipeline.Call{
		Args:           args,
		Subject:        meta.Subject,
		CorrelationID:  meta.CorrelationID,
		IdempotencyKey: meta.IdempotencyKey,
	}
	result, err := op(r.Context(), call)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeJSON(r *http.Request, target any) error {
	defer func() { _ = r.Body.Close() }()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
