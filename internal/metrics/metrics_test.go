package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if matchesLabels(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchesLabels(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, pair := range m.GetLabel() {
		got[pair.GetName()] = pair.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ObserveRateLimit("Demo#op", "apiKey", true)
	r.ObserveRetryCall("Demo#op")
	r.ObserveRetryAttempt("Demo#op")
	r.ObserveRetryExhausted("Demo#op")
	r.ObserveRetryDuration("Demo#op", time.Millisecond)
	r.ObserveCache("demoCache", "Demo#op", true)
	r.ObserveIdempotencyServed("Demo#op")
	r.ObserveIdempotencyExecuted("Demo#op")
	r.ObserveIdempotencyInFlightConflict("Demo#op")
	r.ObserveAudit("Demo#op", true)
	r.ObserveStageDuration("cache", "Demo#op", time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotNil(t, r.Gatherer())
}

func TestRateLimitCounters(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveRateLimit("Demo#op", "apiKey", true)
	r.ObserveRateLimit("Demo#op", "apiKey", true)
	r.ObserveRateLimit("Demo#op", "apiKey", false)

	labels := map[string]string{"method": "Demo#op", "subject_type": "apiKey"}
	assert.Equal(t, 2.0, counterValue(t, r.Gatherer(), "proxy_toolkit_ratelimit_allowed_total", labels))
	assert.Equal(t, 1.0, counterValue(t, r.Gatherer(), "proxy_toolkit_ratelimit_rejected_total", labels))
}

func TestCacheCounters(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveCache("demoCache:ttl=60", "Demo#op", true)
	r.ObserveCache("demoCache:ttl=60", "Demo#op", false)
	r.ObserveCache("demoCache:ttl=60", "Demo#op", false)

	labels := map[string]string{"cache": "demoCache:ttl=60", "method": "Demo#op"}
	assert.Equal(t, 1.0, counterValue(t, r.Gatherer(), "proxy_toolkit_cache_hits_total", labels))
	assert.Equal(t, 2.0, counterValue(t, r.Gatherer(), "proxy_toolkit_cache_misses_total", labels))
}

func TestIdempotencyCounters(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveIdempotencyServed("Demo#op")
	r.ObserveIdempotencyExecuted("Demo#op")
	r.ObserveIdempotencyInFlightConflict("Demo#op")

	labels := map[string]string{"method": "Demo#op"}
	assert.Equal(t, 1.0, counterValue(t, r.Gatherer(), "proxy_toolkit_idempotency_served_total", labels))
	assert.Equal(t, 1.0, counterValue(t, r.Gatherer(), "proxy_toolkit_idempotency_executed_total", labels))
	assert.Equal(t, 1.0, counterValue(t, r.Gatherer(), "proxy_toolkit_idempotency_conflict_inflight_total", labels))
}

func TestAuditCounters(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveAudit("Demo#op", true)
	r.ObserveAudit("Demo#op", false)

	labels := map[string]string{"method": "Demo#op"}
	assert.Equal(t, 1.0, counterValue(t, r.Gatherer(), "proxy_toolkit_audit_persisted_total", labels))
	assert.Equal(t, 1.0, counterValue(t, r.Gatherer(), "proxy_toolkit_audit_dropped_total", labels))
}

func TestEmptyLabelsNormalized(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveRetryCall("")
	assert.Equal(t, 1.0, counterValue(t, r.Gatherer(), "proxy_toolkit_retry_calls_total", map[string]string{"method": "unknown"}))
}

func TestHandlerServesMetrics(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveRetryCall("Demo#op")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "proxy_toolkit_retry_calls_total"))
}
