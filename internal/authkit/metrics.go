package authkit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Auth events counted by AuthService.
const (
	metricLoginSuccess          = "auth.login.success"
	metricLoginFailure          = "auth.login.failure"
	metricAuthenticateCacheHit  = "auth.authenticate.cache_hit"
	metricAuthenticateCacheMiss = "auth.authenticate.cache_miss"
	metricAuthenticateFailure   = "auth.authenticate.failure"
	metricRefreshSuccess        = "auth.refresh.success"
	metricRefreshReuse          = "auth.refresh.reuse_detected"
	metricRefreshFailure        = "auth.refresh.failure"
	metricLogout                = "auth.logout"
	metricEmailConfirmed        = "auth.email.confirmed"
	metricPasswordReset         = "auth.password.reset"
	metricSignup                = "auth.signup"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports auth events as a labelled counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the auth_events_total counter with registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contactsauth",
		Name:      "auth_events_total",
		Help:      "Authentication events by outcome.",
	}, []string{"event"})
	if err := registerer.Register(events); err != nil {
		return nil, err
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}
