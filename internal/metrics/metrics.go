// Package metrics defines custom Prometheus metrics for rfstore.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for transfer size histograms (bytes).
var sizeBuckets = []float64{1024, 16384, 262144, 4194304, 67108864, 268435456, 1073741824}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfstore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rfstore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Pipeline metrics.
var (
	// OperationsTotal counts finished pipelines by outcome: success, partial,
	// failure or canceled.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfstore_operations_total",
			Help: "Container operations by pipeline and outcome",
		},
		[]string{"pipeline", "outcome"},
	)

	// OperationDuration observes pipeline latency in seconds.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rfstore_operation_duration_seconds",
			Help:    "Container operation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
		},
		[]string{"pipeline"},
	)

	// PartialFailuresTotal counts pipelines that finished with a partial
	// failure.
	PartialFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfstore_partial_failures_total",
			Help: "Pipelines finishing with a partial failure",
		},
		[]string{"pipeline"},
	)

	// TransfersInFlight tracks asset transfers currently running.
	TransfersInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rfstore_transfers_in_flight",
			Help: "Asset transfers in flight",
		},
	)

	// TransferBytesTotal counts asset bytes moved by direction: upload or
	// download.
	TransferBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfstore_transfer_bytes_total",
			Help: "Asset bytes transferred",
		},
		[]string{"direction"},
	)

	// TransferSize observes the size of completed asset transfers.
	TransferSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rfstore_transfer_size_bytes",
			Help:    "Size of completed asset transfers in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"direction"},
	)

	// UploadRouteTotal counts asset saves by route: folder, single_part or
	// multipart.
	UploadRouteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rfstore_upload_route_total",
			Help: "Asset saves by upload route",
		},
		[]string{"route"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			OperationsTotal,
			OperationDuration,
			PartialFailuresTotal,
			TransfersInFlight,
			TransferBytesTotal,
			TransferSize,
			UploadRouteTotal,
		)
	})
}

// ObservePipeline records one finished pipeline run.
func ObservePipeline(pipeline, outcome string, start time.Time) {
	OperationsTotal.WithLabelValues(pipeline, outcome).Inc()
	OperationDuration.WithLabelValues(pipeline).Observe(time.Since(start).Seconds())
	if outcome == "partial" {
		PartialFailuresTotal.WithLabelValues(pipeline).Inc()
	}
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual record IDs.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics", "/openapi.json", "/records":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/records/") {
		return "/records/{id}"
	}
	if strings.HasPrefix(path, "/assets/") {
		return "/assets/{id}"
	}
	return "/other"
}
