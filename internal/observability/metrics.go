package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "dispatches_total", Help: "Total dispatch requests received"})
	MatchesTotal    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "matches_total", Help: "Total successful matches by resource kind"},
		[]string{"kind"},
	)
	BroadcastFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "broadcast_fallbacks_total", Help: "Trips broadcast to idle ambulances after an empty match"})
	TransitionsTotal   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "trip_transitions_total", Help: "Applied trip lifecycle transitions"},
		[]string{"status"},
	)
	WSConnections   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ambulance_dispatch", Name: "ws_connections", Help: "Currently attached realtime connections"})
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "events_published_total", Help: "Realtime events published by name"},
		[]string{"event"},
	)
	LocationFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "location_fallbacks_total", Help: "get_location answered from another role's cache entry"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ambulance_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
