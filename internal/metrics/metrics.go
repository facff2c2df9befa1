// Package metrics holds the Prometheus instruments of schoolfront.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for schoolfront.
// Pass to components that need to record metrics; a nil *Metrics records nothing.
type Metrics struct {
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	BackendRequests  *prometheus.CounterVec
	BackendDuration  *prometheus.HistogramVec
	LoginAttempts    *prometheus.CounterVec
	Hydrations       *prometheus.CounterVec
	Logouts          prometheus.Counter
	PendingSSOFlows  prometheus.Gauge
	CachedProfiles   prometheus.Gauge
	RateLimitRejects prometheus.Counter
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		HTTPRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "schoolfront",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "schoolfront",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		BackendRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "schoolfront",
				Name:      "backend_requests_total",
				Help:      "Total number of calls made to the backend API",
			},
			[]string{"method", "status"}, // status=0 when no response arrived
		),
		BackendDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "schoolfront",
				Name:      "backend_request_duration_seconds",
				Help:      "Backend call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		LoginAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "schoolfront",
				Name:      "login_attempts_total",
				Help:      "Login attempts by outcome",
			},
			[]string{"result"}, // success, rejected, unreachable, profile_failed, persist_failed, busy
		),
		Hydrations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "schoolfront",
				Name:      "hydrations_total",
				Help:      "Startup hydrations by outcome",
			},
			[]string{"result"}, // no_token, expired, cached, success, invalid
		),
		Logouts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "schoolfront",
				Name:      "logouts_total",
				Help:      "Explicit and implicit logouts",
			},
		),
		PendingSSOFlows: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "schoolfront",
				Name:      "pending_sso_flows",
				Help:      "Number of browser sign-on flows awaiting a callback",
			},
		),
		CachedProfiles: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "schoolfront",
				Name:      "cached_profiles",
				Help:      "Number of user profiles in the hydration cache",
			},
		),
		RateLimitRejects: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "schoolfront",
				Name:      "rate_limit_rejections_total",
				Help:      "Requests rejected by the per-IP rate limiter",
			},
		),
	}
}

// ObserveBackend records one backend call. Its signature matches backend.ObserveFunc.
func (m *Metrics) ObserveBackend(method, _ string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.BackendDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Login records a login outcome.
func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.LoginAttempts.WithLabelValues(result).Inc()
}

// Hydration records a hydration outcome.
func (m *Metrics) Hydration(result string) {
	if m == nil {
		return
	}
	m.Hydrations.WithLabelValues(result).Inc()
}

// Logout records a logout.
func (m *Metrics) Logout() {
	if m == nil {
		return
	}
	m.Logouts.Inc()
}

// SetPendingSSOFlows updates the pending sign-on gauge.
func (m *Metrics) SetPendingSSOFlows(n int) {
	if m == nil {
		return
	}
	m.PendingSSOFlows.Set(float64(n))
}

// SetCachedProfiles updates the profile cache gauge.
func (m *Metrics) SetCachedProfiles(n int) {
	if m == nil {
		return
	}
	m.CachedProfiles.Set(float64(n))
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RateLimited records a rate-limit rejection.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitRejects.Inc()
}
