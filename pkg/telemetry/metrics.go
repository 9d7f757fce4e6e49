package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRuns counts connector sync outcomes, labeled by service and
	// terminal status (succeeded, failed, partially_succeeded, skipped).
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_sync_runs_total",
			Help: "Total connector sync runs by service and outcome",
		},
		[]string{"service", "status"},
	)

	// SyncRecords counts records written to tenant tables per service.
	SyncRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_sync_records_total",
			Help: "Total records synced into tenant tables by service",
		},
		[]string{"service"},
	)

	// SyncDuration observes end-to-end duration of one connector sync.
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_sync_duration_seconds",
			Help:    "Duration of one connector sync in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"service"},
	)

	// OutboundRequests counts HTTP requests to connector APIs by service
	// and response class ("2xx", "4xx", "5xx", "429", "error").
	OutboundRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_outbound_requests_total",
			Help: "Total outbound API requests by service and response class",
		},
		[]string{"service", "class"},
	)

	// OutboundRetries counts retried outbound requests.
	OutboundRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_outbound_retries_total",
			Help: "Total retried outbound API requests by service",
		},
		[]string{"service"},
	)

	// TokenRefreshes counts OAuth refresh attempts by service and result.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_token_refreshes_total",
			Help: "Total OAuth token refreshes by service and result",
		},
		[]string{"service", "result"},
	)

	// MetricComputations counts metric pipeline computations by result.
	MetricComputations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_metric_computations_total",
			Help: "Total metric computations by result",
		},
		[]string{"result"},
	)
)
