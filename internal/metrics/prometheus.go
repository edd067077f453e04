package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics
	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esds_messages_consumed_total",
		Help: "Total messages fetched from JetStream",
	}, []string{"data_stream"})

	MessagesUndecodable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esds_messages_undecodable_total",
		Help: "Messages whose payload was not valid JSON",
	}, []string{"data_stream"})

	ChunksFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esds_chunks_flushed_total",
		Help: "Buffered chunks handed to the writer, by outcome",
	}, []string{"data_stream", "outcome"})

	BufferBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "esds_buffer_bytes",
		Help: "Bytes held by sealed chunks waiting for the writer",
	}, []string{"data_stream"})

	// Write metrics
	BulkRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esds_bulk_requests_total",
		Help: "Bulk requests sent to Elasticsearch, by result",
	}, []string{"data_stream", "result"})

	BulkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "esds_bulk_duration_seconds",
		Help:    "Bulk request latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"data_stream"})

	RecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esds_records_written_total",
		Help: "Records accepted by a bulk request without item errors",
	}, []string{"data_stream"})

	RecordsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esds_records_skipped_total",
		Help: "Records that could not be stamped or serialized",
	}, []string{"data_stream"})

	// Error sink metrics
	ErrorEventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esds_error_events_total",
		Help: "Error events emitted for rejected records, by sink and status",
	}, []string{"sink", "status"})

	// Provisioning metrics
	ProvisionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esds_provision_ops_total",
		Help: "Data stream provisioning runs at startup, by result",
	}, []string{"data_stream", "result"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
