// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	RateLimitRejects *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec // labels: model

	QueueDepth           prometheus.Gauge
	RotationsTotal       *prometheus.CounterVec // labels: reason
	RotationFailuresTotal prometheus.Counter
	QuotaExceededTotal    *prometheus.CounterVec // labels: model
	ProfilesInCooldown    prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aistudiogw",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "aistudiogw",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aistudiogw",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aistudiogw",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aistudiogw",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aistudiogw",
			Name:      "queue_depth",
			Help:      "Current number of requests waiting in the serialized pipeline queue.",
		}),

		RotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aistudiogw",
			Name:      "rotations_total",
			Help:      "Total successful auth profile rotations.",
		}, []string{"reason"}),

		RotationFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aistudiogw",
			Name:      "rotation_failures_total",
			Help:      "Total rotation attempts that exhausted all candidate profiles.",
		}),

		QuotaExceededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aistudiogw",
			Name:      "quota_exceeded_total",
			Help:      "Total times a model crossed its hard token limit.",
		}, []string{"model"}),

		ProfilesInCooldown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aistudiogw",
			Name:      "profiles_in_cooldown",
			Help:      "Number of auth profiles currently serving an active cooldown.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.QueueDepth,
		m.RotationsTotal,
		m.RotationFailuresTotal,
		m.QuotaExceededTotal,
		m.ProfilesInCooldown,
	)

	return m
}
