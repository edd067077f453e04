package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsServer_MetricsEndpoint(t *testing.T) {
	// Vec metrics only show up after WithLabelValues() is called.
	MessagesConsumed.WithLabelValues("test").Add(0)
	MessagesUndecodable.WithLabelValues("test").Add(0)
	ChunksFlushed.WithLabelValues("test", "acknowledged").Add(0)
	BufferBytes.WithLabelValues("test").Set(0)
	BulkRequests.WithLabelValues("test", "ok").Add(0)
	BulkDuration.WithLabelValues("test").Observe(0)
	RecordsWritten.WithLabelValues("test").Add(0)
	RecordsSkipped.WithLabelValues("test").Add(0)
	ErrorEventsEmitted.WithLabelValues("nats", "ok").Add(0)
	ProvisionOps.WithLabelValues("test", "ok").Add(0)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	expectedMetrics := []string{
		"esds_messages_consumed_total",
		"esds_messages_undecodable_total",
		"esds_chunks_flushed_total",
		"esds_buffer_bytes",
		"esds_bulk_requests_total",
		"esds_bulk_duration_seconds",
		"esds_records_written_total",
		"esds_records_skipped_total",
		"esds_error_events_total",
		"esds_provision_ops_total",
	}

	for _, name := range expectedMetrics {
		if !strings.Contains(body, name) {
			t.Errorf("expected /metrics to contain %q", name)
		}
	}

	ct := w.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/openmetrics") {
		t.Errorf("expected text/plain or openmetrics content type, got %s", ct)
	}
}
