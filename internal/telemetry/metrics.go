// Package telemetry provides observability primitives for the Burrow relay.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the relay. A nil *Metrics is
// safe to pass around; callers guard their observations.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	ConnectedTunnels  prometheus.Gauge
	Registrations     *prometheus.CounterVec
	FramesTotal       *prometheus.CounterVec
	WriteQueueDrops   prometheus.Counter
	RateLimitRejects  prometheus.Counter
	AliasCacheHits    prometheus.Counter
	AliasCacheMisses  prometheus.Counter
	PendingRequests   prometheus.Gauge
	JournalQueueDrops prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "burrow",
			Name:      "requests_total",
			Help:      "Total number of ingress HTTP requests.",
		}, []string{"method", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "burrow",
			Name:                            "request_duration_seconds",
			Help:                            "Ingress request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "burrow",
			Name:      "active_requests",
			Help:      "Number of currently active ingress requests.",
		}),

		ConnectedTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "burrow",
			Name:      "connected_tunnels",
			Help:      "Number of currently registered tunnels.",
		}),

		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "burrow",
			Name:      "registrations_total",
			Help:      "Total control-channel registration outcomes.",
		}, []string{"outcome"}),

		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "burrow",
			Name:      "frames_total",
			Help:      "Total control-channel frames by kind and direction.",
		}, []string{"kind", "direction"}),

		WriteQueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "burrow",
			Name:      "write_queue_drops_total",
			Help:      "Registrations dropped due to write queue overflow.",
		}),

		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "burrow",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}),

		AliasCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "burrow",
			Name:      "alias_cache_hits_total",
			Help:      "Total alias cache hits.",
		}),

		AliasCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "burrow",
			Name:      "alias_cache_misses_total",
			Help:      "Total alias cache misses.",
		}),

		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "burrow",
			Name:      "pending_requests",
			Help:      "Requests currently parked awaiting a response frame.",
		}),

		JournalQueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "burrow",
			Name:      "journal_queue_drops_total",
			Help:      "Traffic journal records dropped on a full queue.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.ConnectedTunnels,
		m.Registrations,
		m.FramesTotal,
		m.WriteQueueDrops,
		m.RateLimitRejects,
		m.AliasCacheHits,
		m.AliasCacheMisses,
		m.PendingRequests,
		m.JournalQueueDrops,
	)

	return m
}
