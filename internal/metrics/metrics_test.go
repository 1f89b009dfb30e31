package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},
		{"/records", "/records"},
		{"/records/abc", "/records/{id}"},
		{"/records/photos/2024/", "/records/{id}"},
		{"/assets/a/b", "/assets/{id}"},
		{"/unknown/path", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	Register()

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	TransfersInFlight.Inc()
	TransfersInFlight.Dec()
	TransferBytesTotal.WithLabelValues("upload").Add(1024)
	TransferSize.WithLabelValues("download").Observe(2048)
	UploadRouteTotal.WithLabelValues("multipart").Inc()
}

func TestObservePipelineCountsPartialFailures(t *testing.T) {
	before := testutil.ToFloat64(PartialFailuresTotal.WithLabelValues("save_assets_test"))
	ObservePipeline("save_assets_test", "partial", time.Now())
	ObservePipeline("save_assets_test", "success", time.Now())

	if got := testutil.ToFloat64(PartialFailuresTotal.WithLabelValues("save_assets_test")); got != before+1 {
		t.Errorf("partial failures = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(OperationsTotal.WithLabelValues("save_assets_test", "success")); got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}
}
