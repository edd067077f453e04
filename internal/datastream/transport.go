// Package datastream provisions the Elasticsearch resources behind a data
// stream and writes log batches to it through the bulk API.
package datastream

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by a Transport when the requested resource does
// not exist on the cluster.
var ErrNotFound = errors.New("resource not found")

// ErrAlreadyExists is returned by a Transport when a create request names a
// resource that another writer created first.
var ErrAlreadyExists = errors.New("resource already exists")

// Transport is the subset of the Elasticsearch API used to provision and
// feed a data stream. Implementations must be safe for concurrent use.
type Transport interface {
	PutLifecyclePolicy(ctx context.Context, id string, body []byte) error
	PutIndexTemplate(ctx context.Context, name string, body []byte) error
	GetDataStream(ctx context.Context, name string) error
	CreateDataStream(ctx context.Context, name string) error
	Bulk(ctx context.Context, index string, body []byte) (*BulkResponse, error)
}

// BulkResponse is the top-level summary of a bulk API response. Items are
// kept opaque.
type BulkResponse struct {
	Took   int64             `json:"took"`
	Errors bool              `json:"errors"`
	Items  []json.RawMessage `json:"items"`
	Raw    []byte            `json:"-"`
}

// ErrorSink receives records that could not be written. Implementations
// must not block the caller for long and must be safe for concurrent use.
type ErrorSink interface {
	EmitError(tag string, t time.Time, record any, err error)
}

// Storer reports whether the buffer behind the writer can take another
// retry of a chunk.
type Storer interface {
	Storable() bool
}
