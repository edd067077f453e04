package serve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/config"
	"github.com/gftdcojp/es-datastream-sink/internal/ingest"
	"github.com/gftdcojp/es-datastream-sink/internal/meta"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// ErrUnknownOutput is returned for a data stream that is not configured.
var ErrUnknownOutput = errors.New("output not found")

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Status        string    `json:"status"`
	Outputs       int       `json:"outputs"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

// OutputSummary is one element of GET /v1/outputs.
type OutputSummary struct {
	DataStream  string    `json:"data_stream"`
	Stream      string    `json:"stream"`
	Provisioned bool      `json:"provisioned"`
	Chunks      uint64    `json:"chunks"`
	Records     uint64    `json:"records"`
	BufferBytes int64     `json:"buffer_bytes"`
	Storable    bool      `json:"storable"`
	LastWriteAt *time.Time `json:"last_write_at,omitempty"`
}

// OutputDetail is the body of GET /v1/outputs/{name}.
type OutputDetail struct {
	OutputSummary
	Subjects      []string              `json:"subjects,omitempty"`
	Consumer      string                `json:"consumer"`
	ConsumeStream string                `json:"consume_stream,omitempty"`
	Mirror        bool                  `json:"mirror"`
	TimePrecision int                   `json:"time_precision"`
	Workers       int                   `json:"workers"`
	Provision     *meta.ProvisionRecord `json:"provision,omitempty"`
	Stats         *meta.WriteStats      `json:"stats"`
	Checkpoint    *meta.ConsumerState   `json:"checkpoint"`
	ConsumerState *ConsumerSnapshot     `json:"consumer_state,omitempty"`
}

// ConsumerSnapshot is the live JetStream view of an output's consumer.
type ConsumerSnapshot struct {
	NumPending     uint64 `json:"num_pending"`
	NumAckPending  int    `json:"num_ack_pending"`
	NumRedelivered int    `json:"num_redelivered"`
}

// Buffer is the accounting view of an output's buffer.
type Buffer interface {
	Used() int64
	Storable() bool
}

// Pipeline is the runtime view of an output's ingest pipeline.
type Pipeline interface {
	DataStream() string
	ConsumeStream() string
	ConsumerName() string
	IsMirror() bool
}

var _ Pipeline = (*ingest.Pipeline)(nil)

// ServiceConfig holds dependencies for Service.
type ServiceConfig struct {
	Outputs   []config.OutputConfig
	Pipelines []Pipeline
	Buffers   map[string]Buffer
	Meta      meta.Store
	JS        jetstream.JetStream
	Logger    *zap.Logger
}

// Service answers status queries for the HTTP API and the NATS responder.
type Service struct {
	outputs   []config.OutputConfig
	pipelines map[string]Pipeline
	buffers   map[string]Buffer
	meta      meta.Store
	js        jetstream.JetStream
	logger    *zap.Logger
	startedAt time.Time
}

func NewService(cfg ServiceConfig) *Service {
	pipes := make(map[string]Pipeline, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		pipes[p.DataStream()] = p
	}
	return &Service{
		outputs:   cfg.Outputs,
		pipelines: pipes,
		buffers:   cfg.Buffers,
		meta:      cfg.Meta,
		js:        cfg.JS,
		logger:    cfg.Logger,
		startedAt: time.Now(),
	}
}

func (s *Service) Status() StatusResponse {
	return StatusResponse{
		Status:        "ok",
		Outputs:       len(s.outputs),
		StartedAt:     s.startedAt,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
}

// Outputs lists every configured output in configuration order.
func (s *Service) Outputs(ctx context.Context) ([]OutputSummary, error) {
	result := make([]OutputSummary, 0, len(s.outputs))
	for _, oc := range s.outputs {
		sum, _, err := s.summary(ctx, oc)
		if err != nil {
			return nil, err
		}
		result = append(result, sum)
	}
	return result, nil
}

// Output returns the detail view of one output.
func (s *Service) Output(ctx context.Context, name string) (*OutputDetail, error) {
	oc, ok := s.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownOutput)
	}

	sum, stats, err := s.summary(ctx, oc)
	if err != nil {
		return nil, err
	}
	checkpoint, err := s.meta.GetConsumerCheckpoint(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint for %s: %w", name, err)
	}

	detail := &OutputDetail{
		OutputSummary: sum,
		Subjects:      oc.Subjects,
		Consumer:      oc.ResolvedConsumerName(),
		TimePrecision: oc.ResolvedTimePrecision(),
		Workers:       oc.Workers,
		Stats:         stats,
		Checkpoint:    checkpoint,
	}
	if rec, err := s.meta.GetProvision(ctx, name); err == nil {
		detail.Provision = rec
	}

	stream := oc.Stream
	if p, ok := s.pipelines[name]; ok {
		detail.Mirror = p.IsMirror()
		if cs := p.ConsumeStream(); cs != "" {
			detail.ConsumeStream = cs
			stream = cs
		}
	}
	if s.js != nil {
		info, err := ingest.ConsumerInfo(ctx, s.js, stream, detail.Consumer)
		if err != nil {
			s.logger.Debug("consumer info unavailable", zap.String("data_stream", name), zap.Error(err))
		} else {
			detail.ConsumerState = &ConsumerSnapshot{
				NumPending:     info.NumPending,
				NumAckPending:  info.NumAckPending,
				NumRedelivered: info.NumRedelivered,
			}
		}
	}
	return detail, nil
}

func (s *Service) summary(ctx context.Context, oc config.OutputConfig) (OutputSummary, *meta.WriteStats, error) {
	name := oc.DataStreamName
	stats, err := s.meta.GetWriteStats(ctx, name)
	if err != nil {
		return OutputSummary{}, nil, fmt.Errorf("reading write stats for %s: %w", name, err)
	}

	sum := OutputSummary{
		DataStream: name,
		Stream:     oc.Stream,
		Chunks:     stats.Chunks,
		Records:    stats.Records,
	}
	if !stats.LastWriteAt.IsZero() {
		t := stats.LastWriteAt
		sum.LastWriteAt = &t
	}
	if _, err := s.meta.GetProvision(ctx, name); err == nil {
		sum.Provisioned = true
	} else if !errors.Is(err, meta.ErrNotFound) {
		return OutputSummary{}, nil, fmt.Errorf("reading provision record for %s: %w", name, err)
	}
	if b, ok := s.buffers[name]; ok {
		sum.BufferBytes = b.Used()
		sum.Storable = b.Storable()
	}
	return sum, stats, nil
}

func (s *Service) lookup(name string) (config.OutputConfig, bool) {
	for _, oc := range s.outputs {
		if oc.DataStreamName == name {
			return oc, true
		}
	}
	return config.OutputConfig{}, false
}
