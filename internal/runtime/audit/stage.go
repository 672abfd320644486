package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/l0p7/proxykit/internal/canonical"
	"github.com/l0p7/proxykit/internal/metrics"
	"github.com/l0p7/proxykit/internal/runtime/pipeline"
)

// DefaultMaxPayloadChars caps captured payloads when the spec does not set
// its own limit.
const DefaultMaxPayloadChars = 20000

const truncationPreviewChars = 512

// Spec declares the audit behavior of one operation.
type Spec struct {
	CaptureArgs       bool
	CaptureResult     bool
	CaptureStacktrace bool
	MaxPayloadChars   int
}

// Stage records one row per invocation beneath it, successes and failures
// alike. Rows for short-circuited calls carry status OK with the wall-clock
// time of the short-circuit.
type Stage struct {
	spec    Spec
	sink    Sink
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// New builds the stage. A zero MaxPayloadChars falls back to the
// process-wide default.
func New(spec Spec, sink Sink, recorder *metrics.Recorder, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if spec.MaxPayloadChars <= 0 {
		spec.MaxPayloadChars = DefaultMaxPayloadChars
	}
	return &Stage{
		spec:    spec,
		sink:    sink,
		metrics: recorder,
		logger:  logger.With(slog.String("stage", "audit")),
		now:     time.Now,
	}
}

func (s *Stage) Name() string { return "audit" }

// Wrap times the inner call and appends the outcome row. The append runs
// detached from the request's cancellation so an aborted caller still leaves
// a trace, and a sink failure is logged and dropped.
func (s *Stage) Wrap(next pipeline.Operation) pipeline.Operation {
	return func(ctx context.Context, call *pipeline.Call) (any, error) {
		started := s.now()
		result, err := next(ctx, call)
		duration := s.now().Sub(started)

		record := Record{
			CorrelationID:  call.CorrelationID,
			TraceID:        call.TraceID,
			TargetType:     targetType(call.Method.Full),
			MethodKey:      call.Method.Full,
			Status:         StatusOK,
			DurationMillis: duration.Milliseconds(),
			CreatedAt:      started.UTC(),
		}
		if s.spec.CaptureArgs {
			record.ArgsJSON = s.capturedArgs(call)
		}
		if err != nil {
			record.Status = StatusError
			record.ErrorMessage = s.truncate(err.Error())
			if s.spec.CaptureStacktrace {
				record.ErrorStack = s.truncate(string(debug.Stack()))
			}
		} else if s.spec.CaptureResult && result != nil {
			record.ResultJSON = s.capturedResult(call, result)
		}

		s.append(ctx, call, record)
		return result, err
	}
}

func (s *Stage) append(ctx context.Context, call *pipeline.Call, record Record) {
	if err := s.sink.Append(context.WithoutCancel(ctx), record); err != nil {
		s.metrics.ObserveAudit(call.Method.Short, false)
		s.logger.Error("audit append failed, dropping row",
			slog.String("methodKey", call.Method.Full),
			slog.String("correlationId", call.CorrelationID),
			slog.String("error", err.Error()))
		return
	}
	s.metrics.ObserveAudit(call.Method.Short, true)
}

func (s *Stage) capturedArgs(call *pipeline.Call) string {
	data, err := canonical.Marshal(call.Args)
	if err != nil {
		s.logger.Warn("args not serializable for audit",
			slog.String("methodKey", call.Method.Full),
			slog.String("error", err.Error()))
		return ""
	}
	return s.truncate(string(data))
}

func (s *Stage) capturedResult(call *pipeline.Call, result any) string {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("result not serializable for audit",
			slog.String("methodKey", call.Method.Full),
			slog.String("error", err.Error()))
		return ""
	}
	return s.truncate(string(data))
}

// truncate replaces an oversized payload with the truncation envelope so the
// row stays bounded while keeping a preview of what was cut.
func (s *Stage) truncate(payload string) string {
	if len(payload) <= s.spec.MaxPayloadChars {
		return payload
	}
	preview := payload
	if len(preview) > truncationPreviewChars {
		preview = preview[:truncationPreviewChars]
	}
	envelope, err := json.Marshal(map[string]any{
		"_truncated":      true,
		"_originalLength": len(payload),
		"_preview":        preview,
	})
	if err != nil {
		return payload[:s.spec.MaxPayloadChars]
	}
	return string(envelope)
}

func targetType(methodKey string) string {
	if idx := strings.Index(methodKey, "#"); idx >= 0 {
		return methodKey[:idx]
	}
	return methodKey
}
