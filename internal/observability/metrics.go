package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TripsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "trips_created_total", Help: "Total trips created"})
	TransitionsTotal  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "trip_transitions_total", Help: "Total committed trip transitions"},
		[]string{"status"},
	)
	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "duplicate_requests_suppressed_total", Help: "Trip creations answered with an existing trip"})
	ForceReleasesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "force_releases_total", Help: "Operator force-release overrides"})

	EventsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "events_published_total", Help: "Trip events handed to the broadcaster"})
	EventSendErrors      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "event_send_errors_total", Help: "Per-connection push failures (best effort, reconciled later)"})
	ReconciliationsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "reconciliations_total", Help: "Authoritative re-fetches performed by subscriber loops"})
	WSConnections        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "ws_connections", Help: "Live websocket connections"})
	UnitsTracked         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "units_tracked", Help: "Units present in the geo index"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
