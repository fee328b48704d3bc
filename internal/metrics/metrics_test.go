package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	m := New()
	m.RateLimitDecision("login", "allowed")
	m.RateLimitDecision("login", "allowed")
	m.RateLimitDecision("login", "denied")
	m.StoreFallback("get")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("login", "allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("login", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreFallbacks.WithLabelValues("get")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RateLimitDecision("x", "y")
		m.LockoutApplied()
		m.OTPEvent("sent", "SMS")
		m.SessionRotation("ok")
		m.SessionCreated()
		m.StoreFallback("get")
		m.DeviceVerification("trusted")
		m.EventDropped()
		m.ObserveCleanup(1)
	})
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.LockoutApplied()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "auth_core_lockouts_total 1")
}
