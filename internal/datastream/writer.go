package datastream

import (
	"context"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/metrics"
	"github.com/gftdcojp/es-datastream-sink/internal/streamname"
	"go.uber.org/zap"
)

// maxLoggedResponse bounds how much of a failed bulk response is logged.
const maxLoggedResponse = 4096

// State is the terminal state of one Write call.
type State int

const (
	// StateEmpty means no document survived building and nothing was sent.
	StateEmpty State = iota
	// StateAcknowledged means the cluster answered the bulk request. Some
	// items may still have failed, see WriteResult.PartialFailure.
	StateAcknowledged
	// StateTransportFailed means the bulk request itself failed.
	StateTransportFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateAcknowledged:
		return "acknowledged"
	case StateTransportFailed:
		return "transport_failed"
	default:
		return "unknown"
	}
}

// WriteResult summarizes one Write call.
type WriteResult struct {
	State          State
	Records        int
	Skipped        int
	PartialFailure bool
	Err            error
}

// WriterConfig holds dependencies for a Writer.
type WriterConfig struct {
	Name      streamname.Name
	Transport Transport
	Builder   *BulkBuilder
	Errors    ErrorSink
	Buffer    Storer
	Logger    *zap.Logger
}

// Writer sends batches to a data stream. Concurrent Write calls are safe;
// each call owns its payload.
type Writer struct {
	name      streamname.Name
	transport Transport
	builder   *BulkBuilder
	errors    ErrorSink
	buffer    Storer
	logger    *zap.Logger
}

// NewWriter creates a writer. Provisioning for cfg.Name must have completed
// before the first Write.
func NewWriter(cfg WriterConfig) *Writer {
	builder := cfg.Builder
	if builder == nil {
		builder = NewBulkBuilder(DefaultTimePrecision)
	}
	return &Writer{
		name:      cfg.Name,
		transport: cfg.Transport,
		builder:   builder,
		errors:    cfg.Errors,
		buffer:    cfg.Buffer,
		logger:    cfg.Logger,
	}
}

// Write builds the bulk payload for batch and submits it. Per-record failures
// go to the error sink. Transport and response failures are logged and
// reported in the result; Write never retries.
func (w *Writer) Write(ctx context.Context, batch Batch) WriteResult {
	built := w.builder.Build(batch)
	for _, s := range built.Skipped {
		w.errors.EmitError(s.Tag, s.Time, s.Record, s.Err)
	}

	stream := w.name.String()
	metrics.RecordsSkipped.WithLabelValues(stream).Add(float64(len(built.Skipped)))

	res := WriteResult{Records: built.Records, Skipped: len(built.Skipped)}
	if len(built.Payload) == 0 {
		res.State = StateEmpty
		return res
	}

	start := time.Now()
	resp, err := w.transport.Bulk(ctx, stream, built.Payload)
	metrics.BulkDuration.WithLabelValues(stream).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BulkRequests.WithLabelValues(stream, "transport_error").Inc()
		w.logger.Error("could not bulk insert to data stream",
			zap.String("data_stream", stream),
			zap.String("tag", batch.Tag),
			zap.Int("records", built.Records),
			zap.Error(err),
		)
		res.State = StateTransportFailed
		res.Err = err
		return res
	}

	res.State = StateAcknowledged
	if resp != nil && resp.Errors {
		res.PartialFailure = true
		metrics.BulkRequests.WithLabelValues(stream, "partial_failure").Inc()
		w.logger.Error("could not bulk insert to data stream",
			zap.String("data_stream", stream),
			zap.String("tag", batch.Tag),
			zap.Int("records", built.Records),
			zap.Int("items", len(resp.Items)),
			zap.ByteString("response", truncate(resp.Raw, maxLoggedResponse)),
		)
		return res
	}

	metrics.BulkRequests.WithLabelValues(stream, "ok").Inc()
	metrics.RecordsWritten.WithLabelValues(stream).Add(float64(built.Records))
	return res
}

// RetryStreamRetryable reports whether the buffer can accept another attempt
// of a failed chunk.
func (w *Writer) RetryStreamRetryable() bool {
	if w.buffer == nil {
		return false
	}
	return w.buffer.Storable()
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
