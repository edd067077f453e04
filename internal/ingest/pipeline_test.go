package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/buffer"
	"github.com/gftdcojp/es-datastream-sink/internal/config"
	"github.com/gftdcojp/es-datastream-sink/internal/datastream"
	"github.com/gftdcojp/es-datastream-sink/internal/meta"
	"github.com/gftdcojp/es-datastream-sink/internal/streamname"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// fakeTransport records bulk bodies and fails the first failBulks requests,
// calling onFail for each failure.
type fakeTransport struct {
	mu        sync.Mutex
	failBulks int
	onFail    func()
	bulks     [][]byte
	docs      []map[string]any
}

func (f *fakeTransport) PutLifecyclePolicy(context.Context, string, []byte) error { return nil }
func (f *fakeTransport) PutIndexTemplate(context.Context, string, []byte) error   { return nil }
func (f *fakeTransport) GetDataStream(context.Context, string) error              { return nil }
func (f *fakeTransport) CreateDataStream(context.Context, string) error           { return nil }

func (f *fakeTransport) Bulk(_ context.Context, _ string, body []byte) (*datastream.BulkResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulks = append(f.bulks, append([]byte(nil), body...))
	if f.failBulks > 0 {
		f.failBulks--
		if f.onFail != nil {
			f.onFail()
		}
		return nil, errors.New("connection refused")
	}
	lines := bytes.Split(bytes.TrimSuffix(body, []byte("\n")), []byte("\n"))
	for i := 1; i < len(lines); i += 2 {
		var doc map[string]any
		if err := json.Unmarshal(lines[i], &doc); err == nil {
			f.docs = append(f.docs, doc)
		}
	}
	return &datastream.BulkResponse{Took: 1}, nil
}

func (f *fakeTransport) docCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

func (f *fakeTransport) bulkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bulks)
}

type countingSink struct {
	mu     sync.Mutex
	tags   []string
	errors []error
}

func (s *countingSink) EmitError(tag string, _ time.Time, _ any, err error) {
	s.mu.Lock()
	s.tags = append(s.tags, tag)
	s.errors = append(s.errors, err)
	s.mu.Unlock()
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tags)
}

type pipelineFixture struct {
	js        jetstream.JetStream
	transport *fakeTransport
	sink      *countingSink
	store     *meta.BoltStore
	queue     *buffer.Queue
	pipeline  *Pipeline
	output    config.OutputConfig
}

func newPipelineFixture(t *testing.T, transport *fakeTransport) *pipelineFixture {
	t.Helper()
	_, natsURL := startEmbeddedNATS(t)
	_, js := connectJS(t, natsURL)

	if _, err := js.CreateStream(context.Background(), jetstream.StreamConfig{
		Name:     "LOGS",
		Subjects: []string{"logs.>"},
	}); err != nil {
		t.Fatalf("create stream: %v", err)
	}

	store, err := meta.NewBoltStore(filepath.Join(t.TempDir(), "meta.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	name, err := streamname.Parse("my-logs")
	if err != nil {
		t.Fatal(err)
	}

	bufCfg := config.BufferConfig{
		ChunkLimitSize: config.ByteSize(1024 * 1024),
		TotalLimitSize: config.ByteSize(8 * 1024 * 1024),
		FlushInterval:  config.Duration(50 * time.Millisecond),
		RetryWait:      config.Duration(20 * time.Millisecond),
		RetryMaxWait:   config.Duration(100 * time.Millisecond),
	}
	out := config.OutputConfig{
		DataStreamName: "my-logs",
		Stream:         "LOGS",
		Subjects:       []string{"logs.>"},
		FetchBatch:     16,
		FetchTimeout:   config.Duration(100 * time.Millisecond),
		Workers:        2,
	}

	sink := &countingSink{}
	queue := buffer.NewQueue("my-logs", int64(bufCfg.TotalLimitSize))
	writer := datastream.NewWriter(datastream.WriterConfig{
		Name:      name,
		Transport: transport,
		Builder:   datastream.NewBulkBuilder(3),
		Errors:    sink,
		Buffer:    queue,
		Logger:    zap.NewNop(),
	})

	p := NewPipeline(PipelineConfig{
		JS:     js,
		Writer: writer,
		Queue:  queue,
		Meta:   store,
		Errors: sink,
		Output: out,
		Buffer: bufCfg,
		Logger: zap.NewNop(),
	})

	return &pipelineFixture{js: js, transport: transport, sink: sink, store: store, queue: queue, pipeline: p, output: out}
}

func (f *pipelineFixture) publish(t *testing.T, subject, data string) {
	t.Helper()
	if _, err := f.js.Publish(context.Background(), subject, []byte(data)); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func (f *pipelineFixture) run(t *testing.T) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pipeline.Run(ctx) }()
	return func() {
		cancelCtx()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("pipeline returned error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("pipeline did not stop")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPipeline_WritesAndAcks(t *testing.T) {
	f := newPipelineFixture(t, &fakeTransport{})

	f.publish(t, "logs.app", `{"msg":"one","n":1}`)
	f.publish(t, "logs.app", `{"msg":"two","big":12345678901234567890}`)
	f.publish(t, "logs.web", `{"msg":"three"}`)
	f.publish(t, "logs.web", `not json`)
	f.publish(t, "logs.web", `["an","array"]`)

	stop := f.run(t)
	waitFor(t, "three documents", func() bool { return f.transport.docCount() == 3 })
	waitFor(t, "error event", func() bool { return f.sink.count() == 1 })
	stop()

	if f.sink.tags[0] != "logs.web" {
		t.Errorf("unexpected error event tag: %s", f.sink.tags[0])
	}

	for _, doc := range f.transport.docs {
		if _, ok := doc["@timestamp"]; !ok {
			t.Errorf("document missing @timestamp: %v", doc)
		}
	}

	waitFor(t, "all messages acked", func() bool {
		info, err := ConsumerInfo(context.Background(), f.js, "LOGS", f.output.ResolvedConsumerName())
		return err == nil && info.NumAckPending == 0 && info.NumPending == 0
	})

	stats, err := f.store.GetWriteStats(context.Background(), "my-logs")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Records != 3 {
		t.Errorf("expected 3 records in stats, got %+v", stats)
	}
	seq, _ := f.store.GetConsumerState(context.Background(), "my-logs")
	if seq == 0 {
		t.Error("expected a consumer checkpoint")
	}
}

func TestPipeline_RetriesTransportFailure(t *testing.T) {
	f := newPipelineFixture(t, &fakeTransport{failBulks: 1})

	f.publish(t, "logs.app", `{"msg":"one"}`)
	f.publish(t, "logs.app", `{"msg":"two"}`)

	stop := f.run(t)
	waitFor(t, "redelivered documents", func() bool { return f.transport.docCount() == 2 })
	stop()

	if n := f.transport.bulkCount(); n < 2 {
		t.Errorf("expected a retried bulk request, got %d requests", n)
	}

	stats, err := f.store.GetWriteStats(context.Background(), "my-logs")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TransportFailures != 1 || stats.LastError == "" {
		t.Errorf("expected one recorded transport failure, got %+v", stats)
	}
	if stats.Records != 2 {
		t.Errorf("expected 2 written records, got %d", stats.Records)
	}
}

func TestPipeline_FlushesOnShutdown(t *testing.T) {
	f := newPipelineFixture(t, &fakeTransport{})
	f.pipeline.bufferCfg.FlushInterval = config.Duration(time.Hour)

	stop := f.run(t)
	f.publish(t, "logs.app", `{"msg":"late"}`)
	waitFor(t, "message consumed", func() bool {
		f.pipeline.mu.Lock()
		defer f.pipeline.mu.Unlock()
		b := f.pipeline.builders["logs.app"]
		return b != nil && b.Len() == 1
	})
	stop()

	if n := f.transport.docCount(); n != 1 {
		t.Errorf("expected open chunk to be written on shutdown, got %d docs", n)
	}
}

func TestDecodeRecord(t *testing.T) {
	v, err := decodeRecord([]byte(`{"n":12345678901234567890}`))
	if err != nil {
		t.Fatal(err)
	}
	m := v.(map[string]any)
	if n, ok := m["n"].(json.Number); !ok || n.String() != "12345678901234567890" {
		t.Errorf("expected exact json.Number, got %#v", m["n"])
	}

	if _, err := decodeRecord([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Error("expected trailing data to be rejected")
	}
	if _, err := decodeRecord([]byte(`{`)); err == nil {
		t.Error("expected truncated JSON to be rejected")
	}
}
