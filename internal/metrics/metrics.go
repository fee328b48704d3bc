package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "auth_core"

// Metrics groups every collector the services report to. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RateLimitDecisions  *prometheus.CounterVec
	Lockouts            prometheus.Counter
	OTPEvents           *prometheus.CounterVec
	SessionRotations    *prometheus.CounterVec
	SessionsCreated     prometheus.Counter
	StoreFallbacks      *prometheus.CounterVec
	DeviceVerifications *prometheus.CounterVec
	EventsDropped       prometheus.Counter
	CleanupDuration     prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limit decisions by operation and outcome.",
		}, []string{"operation", "outcome"}),
		Lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_total",
			Help:      "Account lockouts applied.",
		}),
		OTPEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_events_total",
			Help:      "OTP lifecycle events.",
		}, []string{"event", "channel"}),
		SessionRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_rotations_total",
			Help:      "Refresh token rotations by outcome.",
		}, []string{"outcome"}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created.",
		}),
		StoreFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_fallbacks_total",
			Help:      "Operations served by the secondary store.",
		}, []string{"operation"}),
		DeviceVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_verifications_total",
			Help:      "Device trust verifications by result.",
		}, []string{"result"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_dropped_total",
			Help:      "Security events dropped because the queue was full.",
		}),
		CleanupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cleanup_duration_seconds",
			Help:      "Duration of maintenance cleanup runs.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RateLimitDecisions,
		m.Lockouts,
		m.OTPEvents,
		m.SessionRotations,
		m.SessionsCreated,
		m.StoreFallbacks,
		m.DeviceVerifications,
		m.EventsDropped,
		m.CleanupDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RateLimitDecision(operation, outcome string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) LockoutApplied() {
	if m == nil {
		return
	}
	m.Lockouts.Inc()
}

func (m *Metrics) OTPEvent(event, channel string) {
	if m == nil {
		return
	}
	m.OTPEvents.WithLabelValues(event, channel).Inc()
}

func (m *Metrics) SessionRotation(outcome string) {
	if m == nil {
		return
	}
	m.SessionRotations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) StoreFallback(operation string) {
	if m == nil {
		return
	}
	m.StoreFallbacks.WithLabelValues(operation).Inc()
}

func (m *Metrics) DeviceVerification(result string) {
	if m == nil {
		return
	}
	m.DeviceVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) ObserveCleanup(seconds float64) {
	if m == nil {
		return
	}
	m.CleanupDuration.Observe(seconds)
}
