package datastream

import (
	"context"
	"sync"
	"time"
)

// mockTransport is an in-memory cluster for testing.
type mockTransport struct {
	mu          sync.Mutex
	calls       []string
	policies    map[string][]byte
	templates   map[string][]byte
	dataStreams map[string]bool
	bulks       [][]byte

	getErr    error
	createErr error
	policyErr error
	bulkErr   error
	bulkResp  *BulkResponse
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		policies:    make(map[string][]byte),
		templates:   make(map[string][]byte),
		dataStreams: make(map[string]bool),
	}
}

func (m *mockTransport) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockTransport) PutLifecyclePolicy(_ context.Context, id string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("put_policy:" + id)
	if m.policyErr != nil {
		return m.policyErr
	}
	m.policies[id] = body
	return nil
}

func (m *mockTransport) PutIndexTemplate(_ context.Context, name string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("put_template:" + name)
	m.templates[name] = body
	return nil
}

func (m *mockTransport) GetDataStream(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("get_data_stream:" + name)
	if m.getErr != nil {
		return m.getErr
	}
	if !m.dataStreams[name] {
		return ErrNotFound
	}
	return nil
}

func (m *mockTransport) CreateDataStream(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create_data_stream:" + name)
	if m.createErr != nil {
		return m.createErr
	}
	m.dataStreams[name] = true
	return nil
}

func (m *mockTransport) Bulk(_ context.Context, index string, body []byte) (*BulkResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("bulk:" + index)
	if m.bulkErr != nil {
		return nil, m.bulkErr
	}
	m.bulks = append(m.bulks, append([]byte(nil), body...))
	if m.bulkResp != nil {
		return m.bulkResp, nil
	}
	return &BulkResponse{}, nil
}

func (m *mockTransport) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type emittedError struct {
	tag    string
	time   time.Time
	record any
	err    error
}

type mockErrorSink struct {
	mu     sync.Mutex
	events []emittedError
}

func (s *mockErrorSink) EmitError(tag string, t time.Time, record any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, emittedError{tag: tag, time: t, record: record, err: err})
}

func (s *mockErrorSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fixedStorer bool

func (f fixedStorer) Storable() bool { return bool(f) }
