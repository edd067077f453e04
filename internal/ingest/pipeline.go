// Package ingest consumes log records from JetStream, groups them into
// chunks per subject and hands the chunks to a data stream writer.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/buffer"
	"github.com/gftdcojp/es-datastream-sink/internal/config"
	"github.com/gftdcojp/es-datastream-sink/internal/datastream"
	"github.com/gftdcojp/es-datastream-sink/internal/meta"
	"github.com/gftdcojp/es-datastream-sink/internal/metrics"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PipelineConfig holds dependencies for the ingest pipeline.
type PipelineConfig struct {
	JS     jetstream.JetStream
	Writer *datastream.Writer
	Queue  *buffer.Queue
	Meta   meta.Store
	Errors datastream.ErrorSink
	Output config.OutputConfig
	Buffer config.BufferConfig
	Logger *zap.Logger
}

// Pipeline moves records from one output's consumer to its data stream.
type Pipeline struct {
	js        jetstream.JetStream
	writer    *datastream.Writer
	queue     *buffer.Queue
	meta      meta.Store
	errors    datastream.ErrorSink
	outputCfg config.OutputConfig
	bufferCfg config.BufferConfig
	logger    *zap.Logger

	mu       sync.Mutex
	builders map[string]*buffer.Builder
	chunks   chan *buffer.Chunk
	closed   bool
	nextID   atomic.Uint64
	failures atomic.Int64

	consumeStream string
	isMirror      bool
}

// NewPipeline creates a new ingest pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		js:        cfg.JS,
		writer:    cfg.Writer,
		queue:     cfg.Queue,
		meta:      cfg.Meta,
		errors:    cfg.Errors,
		outputCfg: cfg.Output,
		bufferCfg: cfg.Buffer,
		logger:    cfg.Logger,
		builders:  make(map[string]*buffer.Builder),
	}
	p.nextID.Store(1)
	return p
}

// Run consumes until ctx is cancelled, then flushes every open chunk and
// waits for the workers to finish writing. Provisioning of the output's data
// stream must have completed before Run is called.
func (p *Pipeline) Run(ctx context.Context) error {
	name := p.DataStream()

	lastSeq, err := p.meta.GetConsumerState(ctx, name)
	if err != nil {
		p.logger.Debug("no consumer checkpoint", zap.Error(err))
	} else if lastSeq > 0 {
		p.logger.Info("last acknowledged sequence before restart", zap.Uint64("seq", lastSeq))
	}

	res, err := resolveConsumerStream(ctx, p.js, p.outputCfg, p.logger)
	if err != nil {
		return fmt.Errorf("resolving consumer stream for %s: %w", name, err)
	}
	p.mu.Lock()
	p.consumeStream = res.ConsumeStream
	p.isMirror = res.IsMirror
	p.mu.Unlock()

	consumerCfg := consumerConfig(p.outputCfg, res.IsMirror)
	cons, err := p.js.CreateOrUpdateConsumer(ctx, res.ConsumeStream, consumerCfg)
	if err != nil {
		return fmt.Errorf("creating consumer %s on stream %s: %w", consumerCfg.Durable, res.ConsumeStream, err)
	}

	workers := p.outputCfg.Workers
	if workers <= 0 {
		workers = 1
	}
	p.chunks = make(chan *buffer.Chunk, workers)

	p.logger.Info("ingest pipeline started",
		zap.String("stream", p.outputCfg.Stream),
		zap.String("consume_stream", res.ConsumeStream),
		zap.Bool("is_mirror", res.IsMirror),
		zap.String("consumer", consumerCfg.Durable),
		zap.Int("workers", workers),
	)

	// Writes issued during shutdown must not be cut off by ctx.
	writeCtx := context.WithoutCancel(ctx)

	var workersGroup errgroup.Group
	for i := 0; i < workers; i++ {
		workersGroup.Go(func() error {
			for c := range p.chunks {
				p.handleChunk(writeCtx, c)
			}
			return nil
		})
	}

	lingerDone := make(chan struct{})
	go func() {
		defer close(lingerDone)
		p.lingerLoop(ctx)
	}()

	p.fetchLoop(ctx, cons)

	<-lingerDone
	p.flushAndClose()
	return workersGroup.Wait()
}

func (p *Pipeline) fetchLoop(ctx context.Context, cons jetstream.Consumer) {
	fetchTimeout := p.outputCfg.FetchTimeout.Duration()
	if fetchTimeout == 0 {
		fetchTimeout = defaultFetchTimeout
	}
	batchSize := p.outputCfg.FetchBatch
	if batchSize == 0 {
		batchSize = defaultFetchBatch
	}

	for {
		if ctx.Err() != nil {
			return
		}

		if !p.queue.Storable() {
			p.logger.Debug("buffer full, pausing fetch",
				zap.Int64("used_bytes", p.queue.Used()),
				zap.Int64("limit_bytes", p.queue.Limit()),
			)
			if !sleepCtx(ctx, p.bufferCfg.RetryWait.Duration()) {
				return
			}
			continue
		}

		msgs, err := cons.Fetch(batchSize, jetstream.FetchMaxWait(fetchTimeout))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			p.logger.Warn("fetch error, retrying", zap.Error(err))
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		for msg := range msgs.Messages() {
			p.consume(msg)
		}

		if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			p.logger.Warn("batch error", zap.Error(err))
		}
	}
}

// consume decodes one message and adds it to the builder for its subject.
// Messages that are not JSON are reported to the error sink and acknowledged.
func (p *Pipeline) consume(msg jetstream.Msg) {
	name := p.DataStream()
	metrics.MessagesConsumed.WithLabelValues(name).Inc()

	msgMeta, err := msg.Metadata()
	if err != nil {
		p.logger.Warn("failed to get message metadata", zap.Error(err))
		return
	}

	tag := msg.Subject()
	record, err := decodeRecord(msg.Data())
	if err != nil {
		metrics.MessagesUndecodable.WithLabelValues(name).Inc()
		p.errors.EmitError(tag, msgMeta.Timestamp, string(msg.Data()), fmt.Errorf("decoding record: %w", err))
		if err := msg.Ack(); err != nil {
			p.logger.Warn("failed to ack message", zap.Error(err))
		}
		return
	}

	entry := datastream.Entry{Time: msgMeta.Timestamp, Record: record}
	size := int64(len(msg.Data()))
	seq := msgMeta.Sequence.Stream

	var sealed *buffer.Chunk
	p.mu.Lock()
	b := p.builders[tag]
	if b == nil {
		b = p.newBuilder(tag)
	}
	if !b.Add(entry, msg, seq, size) {
		sealed = p.sealLocked(tag, b)
		b = p.newBuilder(tag)
		b.Add(entry, msg, seq, size)
	}
	p.mu.Unlock()

	p.dispatch(sealed)
}

// decodeRecord parses a JSON document. Numbers are kept as json.Number so
// large integers survive the round trip to the bulk body.
func decodeRecord(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

func (p *Pipeline) newBuilder(tag string) *buffer.Builder {
	b := buffer.NewBuilder(tag, p.nextID.Add(1)-1, int64(p.bufferCfg.ChunkLimitSize))
	p.builders[tag] = b
	return b
}

// sealLocked removes b from the open builders and accounts for its bytes.
// p.mu must be held.
func (p *Pipeline) sealLocked(tag string, b *buffer.Builder) *buffer.Chunk {
	delete(p.builders, tag)
	p.logger.Debug("sealing chunk",
		zap.String("tag", tag),
		zap.Int("records", b.Len()),
		zap.Int64("bytes", b.CurrentSize()),
	)
	c := b.Seal()
	if c != nil {
		p.queue.Reserve(c.Size)
	}
	return c
}

// dispatch hands sealed chunks to the workers. The send blocks while every
// worker is busy, so p.mu must not be held.
func (p *Pipeline) dispatch(chunks ...*buffer.Chunk) {
	for _, c := range chunks {
		if c != nil {
			p.chunks <- c
		}
	}
}

// lingerLoop seals chunks that have been open longer than flush_interval.
func (p *Pipeline) lingerLoop(ctx context.Context) {
	interval := p.bufferCfg.FlushInterval.Duration()
	tick := interval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var sealed []*buffer.Chunk
			p.mu.Lock()
			if !p.closed {
				for tag, b := range p.builders {
					if b.Age() >= interval {
						sealed = append(sealed, p.sealLocked(tag, b))
					}
				}
			}
			p.mu.Unlock()
			p.dispatch(sealed...)
		}
	}
}

// flushAndClose seals every open chunk and stops accepting new ones. It
// runs after the fetch and linger loops have returned, so no other sender
// remains when the channel is closed.
func (p *Pipeline) flushAndClose() {
	var sealed []*buffer.Chunk
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for tag, b := range p.builders {
		sealed = append(sealed, p.sealLocked(tag, b))
	}
	p.mu.Unlock()

	p.dispatch(sealed...)
	close(p.chunks)
}

// handleChunk writes one chunk and settles its messages according to the
// outcome. Transport failures are redelivered by JetStream: with a NAK delay
// while the buffer can take data, or after AckWait when it cannot.
func (p *Pipeline) handleChunk(ctx context.Context, c *buffer.Chunk) {
	defer p.queue.Release(c.Size)

	name := p.DataStream()
	res := p.writer.Write(ctx, c.Batch())
	now := time.Now()

	if res.State == datastream.StateTransportFailed {
		n := p.failures.Add(1)
		outcome := "deferred"
		if p.writer.RetryStreamRetryable() {
			outcome = "retried"
			delay := calcBackoff(int(n), p.bufferCfg.RetryWait.Duration(), p.bufferCfg.RetryMaxWait.Duration())
			for _, m := range c.Msgs {
				if err := m.NakWithDelay(delay); err != nil {
					p.logger.Warn("failed to nak message", zap.Error(err))
				}
			}
		}
		metrics.ChunksFlushed.WithLabelValues(name, outcome).Inc()
		p.logger.Warn("chunk write failed",
			zap.Uint64("chunk_id", c.ID),
			zap.String("tag", c.Tag),
			zap.Int("records", len(c.Entries)),
			zap.String("outcome", outcome),
			zap.Int64("consecutive_failures", n),
		)
		p.recordStats(ctx, meta.WriteStats{
			Chunks:            1,
			TransportFailures: 1,
			LastErrorAt:       now,
			LastError:         errString(res.Err),
		})
		return
	}

	p.failures.Store(0)
	for _, m := range c.Msgs {
		if err := m.Ack(); err != nil {
			p.logger.Warn("failed to ack message", zap.Error(err))
		}
	}
	if err := p.meta.SetConsumerState(ctx, name, c.LastSeq); err != nil {
		p.logger.Warn("failed to persist consumer state", zap.Error(err))
	}

	delta := meta.WriteStats{
		Chunks:      1,
		Records:     uint64(res.Records),
		Skipped:     uint64(res.Skipped),
		LastWriteAt: now,
	}
	outcome := res.State.String()
	if res.PartialFailure {
		outcome = "partial_failure"
		delta.PartialFailures = 1
		delta.LastErrorAt = now
		delta.LastError = "bulk response reported item errors"
	}
	metrics.ChunksFlushed.WithLabelValues(name, outcome).Inc()
	p.recordStats(ctx, delta)

	p.logger.Debug("chunk written",
		zap.Uint64("chunk_id", c.ID),
		zap.String("tag", c.Tag),
		zap.Uint64("first_seq", c.FirstSeq),
		zap.Uint64("last_seq", c.LastSeq),
		zap.Int("records", res.Records),
		zap.Int("skipped", res.Skipped),
	)
}

func (p *Pipeline) recordStats(ctx context.Context, delta meta.WriteStats) {
	if err := p.meta.AddWriteStats(ctx, p.DataStream(), delta); err != nil {
		p.logger.Warn("failed to record write stats", zap.Error(err))
	}
}

// DataStream returns the data stream this pipeline writes to.
func (p *Pipeline) DataStream() string {
	return p.outputCfg.DataStreamName
}

// ConsumeStream returns the stream the consumer was created on, which is
// the mirror when one is in use. Empty before Run resolves it.
func (p *Pipeline) ConsumeStream() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumeStream
}

// ConsumerName returns the durable consumer name.
func (p *Pipeline) ConsumerName() string {
	return p.outputCfg.ResolvedConsumerName()
}

// IsMirror reports whether the pipeline consumes through a mirror stream.
func (p *Pipeline) IsMirror() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isMirror
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
