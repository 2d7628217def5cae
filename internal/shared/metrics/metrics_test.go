package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveRequest("code", "gpt-4o", "success", time.Second, 1, 2)
		m.RateLimitRejected("daily_requests")
		m.LimiterStoreError()
		m.SetCircuitState("gpt-4o", 1)
		m.ProviderFailure("gpt-4o", "openai")
		m.Fallback("code", "gpt-4o")
		m.UsageDrop()
		m.UsageFailed(3)
		m.UsageStored(3)
	})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsRecordAndExpose(t *testing.T) {
	m := New()
	m.ObserveRequest("code", "deepseek-v3", "success", 200*time.Millisecond, 10, 20)
	m.ObserveRequest("code", "", "rate_limited", 0, 0, 0)
	m.RateLimitRejected("concurrent_streams")
	m.UsageFailed(2)

	require.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("code", "deepseek-v3", "success")))
	require.Equal(t, 20.0, testutil.ToFloat64(m.Tokens.WithLabelValues("deepseek-v3", "completion")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited.WithLabelValues("concurrent_streams")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.UsageWriteFailure))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "cfx_router_requests_total"))
}
