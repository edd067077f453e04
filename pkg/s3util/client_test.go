package s3util

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/es-datastream-sink/internal/config"
)

// mockS3 is an in-memory S3 implementation keyed by "bucket/key".
type mockS3 struct {
	mu      sync.RWMutex
	objects map[string][]byte
	buckets map[string]bool
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte), buckets: make(map[string]bool)}
}

func (m *mockS3) put(bucket, key string, data []byte) {
	m.mu.Lock()
	m.buckets[bucket] = true
	m.objects[bucket+"/"+key] = data
	m.mu.Unlock()
}

func (m *mockS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.RLock()
	data, ok := m.objects[*params.Bucket+"/"+*params.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) HeadBucket(_ context.Context, params *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.RLock()
	ok := m.buckets[*params.Bucket]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func TestFetch(t *testing.T) {
	mock := newMockS3()
	mock.put("policies", "logs/ilm.json", []byte(`{"policy":{}}`))
	c := &Client{S3: mock}

	data, err := c.Fetch(context.Background(), "policies", "logs/ilm.json")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"policy":{}}` {
		t.Errorf("unexpected body: %s", data)
	}
}

func TestFetch_Missing(t *testing.T) {
	c := &Client{S3: newMockS3()}

	_, err := c.Fetch(context.Background(), "policies", "nope.json")
	var nsk *s3types.NoSuchKey
	if !errors.As(err, &nsk) {
		t.Fatalf("expected NoSuchKey, got %v", err)
	}
	if !strings.Contains(err.Error(), "s3://policies/nope.json") {
		t.Errorf("error should name the object: %v", err)
	}
}

func TestPing(t *testing.T) {
	mock := newMockS3()
	mock.put("policies", "a", nil)
	c := &Client{S3: mock}

	if err := c.Ping(context.Background(), "policies"); err != nil {
		t.Errorf("expected bucket to answer, got %v", err)
	}
	if err := c.Ping(context.Background(), "other"); err == nil {
		t.Error("expected error for unknown bucket")
	}
}

func TestNewClient_StaticCredentials(t *testing.T) {
	c, err := NewClient(context.Background(), config.PolicyStoreConfig{
		Endpoint:        "http://127.0.0.1:9000",
		Region:          "us-east-1",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
		ForcePathStyle:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	s3c, ok := c.S3.(*s3.Client)
	if !ok {
		t.Fatalf("expected *s3.Client, got %T", c.S3)
	}
	opts := s3c.Options()
	if !opts.UsePathStyle {
		t.Error("path style should be enabled")
	}
	if opts.BaseEndpoint == nil || *opts.BaseEndpoint != "http://127.0.0.1:9000" {
		t.Errorf("unexpected endpoint: %v", opts.BaseEndpoint)
	}
}
