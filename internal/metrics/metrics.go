// Package metrics publishes Prometheus series for every interceptor stage.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder publishes Prometheus metrics for pipeline activity. All observe
// methods are nil-safe so wiring can omit metrics entirely.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	ratelimitAllowed  *prometheus.CounterVec
	ratelimitRejected *prometheus.CounterVec

	retryCalls     *prometheus.CounterVec
	retryAttempts  *prometheus.CounterVec
	retryExhausted *prometheus.CounterVec
	retryDuration  *prometheus.HistogramVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	idempotencyServed   *prometheus.CounterVec
	idempotencyExecuted *prometheus.CounterVec
	idempotencyInFlight *prometheus.CounterVec

	auditPersisted *prometheus.CounterVec
	auditDropped   *prometheus.CounterVec

	stageDuration *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxy_toolkit",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	ratelimitAllowed := counter("ratelimit", "allowed_total",
		"Invocations that passed the rate limiter.", "method", "subject_type")
	ratelimitRejected := counter("ratelimit", "rejected_total",
		"Invocations rejected by the rate limiter.", "method", "subject_type")

	retryCalls := counter("retry", "calls_total",
		"Operations that entered the retry stage.", "method")
	retryAttempts := counter("retry", "attempts_total",
		"Individual execution attempts made by the retry stage.", "method")
	retryExhausted := counter("retry", "exhausted_total",
		"Operations that failed after the final retry attempt.", "method")
	retryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proxy_toolkit",
		Subsystem: "retry",
		Name:      "duration_seconds",
		Help:      "Wall-clock time spent inside the retry stage.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method"})

	cacheHits := counter("cache", "hits_total",
		"Cache stage lookups served from the cache.", "cache", "method")
	cacheMisses := counter("cache", "misses_total",
		"Cache stage lookups that fell through to execution.", "cache", "method")

	idempotencyServed := counter("idempotency", "served_total",
		"Invocations answered from a stored idempotent response.", "method")
	idempotencyExecuted := counter("idempotency", "executed_total",
		"Invocations executed under a freshly claimed idempotency record.", "method")
	idempotencyInFlight := counter("idempotency", "conflict_inflight_total",
		"Invocations rejected because another owner held the record.", "method")

	auditPersisted := counter("audit", "persisted_total",
		"Audit rows written.", "method")
	auditDropped := counter("audit", "dropped_total",
		"Audit rows dropped after a persistence failure.", "method")

	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proxy_toolkit",
		Subsystem: "stage",
		Name:      "duration_seconds",
		Help:      "Latency distribution per interceptor stage.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"stage", "method"})

	reg.MustRegister(
		ratelimitAllowed, ratelimitRejected,
		retryCalls, retryAttempts, retryExhausted, retryDuration,
		cacheHits, cacheMisses,
		idempotencyServed, idempotencyExecuted, idempotencyInFlight,
		auditPersisted, auditDropped,
		stageDuration,
	)

	return &Recorder{
		gatherer:            reg,
		handler:             promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ratelimitAllowed:    ratelimitAllowed,
		ratelimitRejected:   ratelimitRejected,
		retryCalls:          retryCalls,
		retryAttempts:       retryAttempts,
		retryExhausted:      retryExhausted,
		retryDuration:       retryDuration,
		cacheHits:           cacheHits,
		cacheMisses:         cacheMisses,
		idempotencyServed:   idempotencyServed,
		idempotencyExecuted: idempotencyExecuted,
		idempotencyInFlight: idempotencyInFlight,
		auditPersisted:      auditPersisted,
		auditDropped:        auditDropped,
		stageDuration:       stageDuration,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRateLimit records a limiter decision for a method and subject type.
func (r *Recorder) ObserveRateLimit(method, subjectType string, allowed bool) {
	if r == nil {
		return
	}
	m, st := normalizeLabel(method), normalizeLabel(subjectType)
	if allowed {
		r.ratelimitAllowed.WithLabelValues(m, st).Inc()
		return
	}
	r.ratelimitRejected.WithLabelValues(m, st).Inc()
}

// ObserveRetryCall records entry into the retry stage.
func (r *Recorder) ObserveRetryCall(method string) {
	if r == nil {
		return
	}
	r.retryCalls.WithLabelValues(normalizeLabel(method)).Inc()
}

// ObserveRetryAttempt records a single execution attempt.
func (r *Recorder) ObserveRetryAttempt(method string) {
	if r == nil {
		return
	}
	r.retryAttempts.WithLabelValues(normalizeLabel(method)).Inc()
}

// ObserveRetryExhausted records an operation whose final attempt failed.
func (r *Recorder) ObserveRetryExhausted(method string) {
	if r == nil {
		return
	}
	r.retryExhausted.WithLabelValues(normalizeLabel(method)).Inc()
}

// ObserveRetryDuration records total wall-clock time across all attempts.
func (r *Recorder) ObserveRetryDuration(method string, duration time.Duration) {
	if r == nil {
		return
	}
	r.retryDuration.WithLabelValues(normalizeLabel(method)).Observe(duration.Seconds())
}

// ObserveCache records a cache stage lookup result.
func (r *Recorder) ObserveCache(cache, method string, hit bool) {
	if r == nil {
		return
	}
	c, m := normalizeLabel(cache), normalizeLabel(method)
	if hit {
		r.cacheHits.WithLabelValues(c, m).Inc()
		return
	}
	r.cacheMisses.WithLabelValues(c, m).Inc()
}

// ObserveIdempotencyServed records a stored response replay.
func (r *Recorder) ObserveIdempotencyServed(method string) {
	if r == nil {
		return
	}
	r.idempotencyServed.WithLabelValues(normalizeLabel(method)).Inc()
}

// ObserveIdempotencyExecuted records an execution under a claimed record.
func (r *Recorder) ObserveIdempotencyExecuted(method string) {
	if r == nil {
		return
	}
	r.idempotencyExecuted.WithLabelValues(normalizeLabel(method)).Inc()
}

// ObserveIdempotencyInFlightConflict records a rejection while another owner
// held the record.
func (r *Recorder) ObserveIdempotencyInFlightConflict(method string) {
	if r == nil {
		return
	}
	r.idempotencyInFlight.WithLabelValues(normalizeLabel(method)).Inc()
}

// ObserveAudit records the fate of one audit row.
func (r *Recorder) ObserveAudit(method string, persisted bool) {
	if r == nil {
		return
	}
	m := normalizeLabel(method)
	if persisted {
		r.auditPersisted.WithLabelValues(m).Inc()
		return
	}
	r.auditDropped.WithLabelValues(m).Inc()
}

// ObserveStageDuration records the latency one stage added to an invocation.
func (r *Recorder) ObserveStageDuration(stage, method string, duration time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(normalizeLabel(stage), normalizeLabel(method)).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
