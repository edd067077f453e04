package esclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/config"
	"github.com/gftdcojp/es-datastream-sink/internal/datastream"
	"github.com/gftdcojp/es-datastream-sink/internal/streamname"
	"go.uber.org/zap"
)

// fakeCluster is a minimal stand-in for the Elasticsearch REST API.
type fakeCluster struct {
	mu          sync.Mutex
	calls       []string
	policies    map[string]string
	templates   map[string]string
	dataStreams map[string]bool
	bulkBodies  []string
	bulkErrors  bool
	failStatus  int
	createRace  bool
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		policies:    make(map[string]string),
		templates:   make(map[string]string),
		dataStreams: make(map[string]bool),
	}
}

func (f *fakeCluster) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("PUT /_ilm/policy/{id}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.record("put_policy:" + r.PathValue("id"))
		f.mu.Lock()
		f.policies[r.PathValue("id")] = string(body)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, `{"acknowledged":true}`)
	})
	mux.HandleFunc("PUT /_index_template/{name}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.record("put_template:" + r.PathValue("name"))
		f.mu.Lock()
		f.templates[r.PathValue("name")] = string(body)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, `{"acknowledged":true}`)
	})
	mux.HandleFunc("GET /_data_stream/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		f.record("get_data_stream:" + name)
		f.mu.Lock()
		exists := f.dataStreams[name]
		f.mu.Unlock()
		if !exists {
			writeJSON(w, http.StatusNotFound, `{"error":{"type":"index_not_found_exception"},"status":404}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"data_streams":[{"name":"`+name+`"}]}`)
	})
	mux.HandleFunc("PUT /_data_stream/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		f.record("create_data_stream:" + name)
		f.mu.Lock()
		raced := f.createRace
		f.dataStreams[name] = true
		f.mu.Unlock()
		if raced {
			writeJSON(w, http.StatusBadRequest, `{"error":{"type":"resource_already_exists_exception","reason":"data_stream [`+name+`] already exists"},"status":400}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"acknowledged":true}`)
	})
	mux.HandleFunc("POST /{index}/_bulk", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.record("bulk:" + r.PathValue("index"))
		f.mu.Lock()
		f.bulkBodies = append(f.bulkBodies, string(body))
		failStatus, bulkErrors := f.failStatus, f.bulkErrors
		f.mu.Unlock()
		if failStatus != 0 {
			writeJSON(w, failStatus, `{"error":"boom"}`)
			return
		}
		if bulkErrors {
			writeJSON(w, http.StatusOK, `{"took":3,"errors":true,"items":[{"create":{"status":400}}]}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"took":3,"errors":false,"items":[{"create":{"status":201}}]}`)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		mux.ServeHTTP(w, r)
	})
}

func (f *fakeCluster) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func newTestClient(t *testing.T, f *fakeCluster) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	c, err := New(config.ElasticsearchConfig{
		Addresses:      []string{srv.URL},
		RequestTimeout: config.Duration(5 * time.Second),
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

type collectingSink struct {
	mu     sync.Mutex
	events int
}

func (s *collectingSink) EmitError(string, time.Time, any, error) {
	s.mu.Lock()
	s.events++
	s.mu.Unlock()
}

func TestGetDataStream_NotFound(t *testing.T) {
	c := newTestClient(t, newFakeCluster())
	err := c.GetDataStream(context.Background(), "missing")
	if !errors.Is(err, datastream.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateDataStream_AlreadyExists(t *testing.T) {
	f := newFakeCluster()
	f.createRace = true
	c := newTestClient(t, f)

	err := c.CreateDataStream(context.Background(), "my-logs")
	if !errors.Is(err, datastream.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	name, err := streamname.Parse("my-logs")
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	delete(f.dataStreams, "my-logs")
	f.mu.Unlock()
	res, err := datastream.NewProvisioner(name, c, []byte(`{"policy":{}}`), zap.NewNop()).Provision(context.Background())
	if err != nil {
		t.Fatalf("provisioning must succeed when the create race is lost: %v", err)
	}
	if res.Created {
		t.Error("expected Created=false")
	}
}

func TestBulk_ErrorStatus(t *testing.T) {
	f := newFakeCluster()
	f.failStatus = http.StatusBadRequest
	c := newTestClient(t, f)

	_, err := c.Bulk(context.Background(), "my-logs", []byte("{\"create\":{}}\n{}\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, datastream.ErrNotFound) {
		t.Fatal("400 must not be reported as not found")
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBulk_PartialFailureFlag(t *testing.T) {
	f := newFakeCluster()
	f.bulkErrors = true
	c := newTestClient(t, f)

	resp, err := c.Bulk(context.Background(), "my-logs", []byte("{\"create\":{}}\n{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Errors || len(resp.Items) != 1 || resp.Took != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Raw) == 0 {
		t.Error("raw response should be kept")
	}
}

func TestPing(t *testing.T) {
	c := newTestClient(t, newFakeCluster())
	if err := c.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestEndToEnd_ProvisionAndWrite(t *testing.T) {
	f := newFakeCluster()
	c := newTestClient(t, f)
	ctx := context.Background()

	name, err := streamname.Parse("my-logs")
	if err != nil {
		t.Fatal(err)
	}

	p := datastream.NewProvisioner(name, c, []byte(`{"policy":{}}`), zap.NewNop())
	if _, err := p.Provision(ctx); err != nil {
		t.Fatalf("provision: %v", err)
	}

	w := datastream.NewWriter(datastream.WriterConfig{
		Name:      name,
		Transport: c,
		Builder:   datastream.NewBulkBuilder(3),
		Errors:    &collectingSink{},
		Logger:    zap.NewNop(),
	})
	res := w.Write(ctx, datastream.Batch{Tag: "app.logs", Entries: []datastream.Entry{
		{Time: time.Now(), Record: map[string]any{"msg": "first"}},
		{Time: time.Now(), Record: map[string]any{"msg": "second"}},
	}})
	if res.State != datastream.StateAcknowledged || res.PartialFailure {
		t.Fatalf("unexpected write result: %+v", res)
	}

	wantCalls := []string{
		"put_policy:my-logs_policy",
		"put_template:my-logs",
		"get_data_stream:my-logs",
		"create_data_stream:my-logs",
		"bulk:my-logs",
	}
	if !reflect.DeepEqual(f.calls, wantCalls) {
		t.Fatalf("calls = %v, want %v", f.calls, wantCalls)
	}

	lines := strings.Split(strings.TrimSuffix(f.bulkBodies[0], "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("bulk body has %d lines, want 4", len(lines))
	}
	for _, i := range []int{0, 2} {
		if lines[i] != `{"create":{}}` {
			t.Errorf("line %d = %q", i, lines[i])
		}
	}
	for _, i := range []int{1, 3} {
		var doc map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &doc); err != nil {
			t.Fatal(err)
		}
		if _, ok := doc["@timestamp"]; !ok {
			t.Errorf("line %d missing @timestamp: %s", i, lines[i])
		}
	}

	// A second startup finds the stream and does not recreate it.
	res2, err := p.Provision(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Created {
		t.Error("data stream should not be created twice")
	}
}
