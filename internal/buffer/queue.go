package buffer

import (
	"sync/atomic"

	"github.com/gftdcojp/es-datastream-sink/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Queue accounts for the bytes of sealed chunks that have not been written
// yet. It stores no data itself; the chunks live with their workers.
type Queue struct {
	limit int64
	used  atomic.Int64
	gauge prometheus.Gauge
}

// NewQueue creates an accounting queue with a total byte limit.
func NewQueue(dataStream string, limit int64) *Queue {
	return &Queue{
		limit: limit,
		gauge: metrics.BufferBytes.WithLabelValues(dataStream),
	}
}

// Reserve accounts for a sealed chunk. It never blocks; callers check
// Storable before producing more chunks.
func (q *Queue) Reserve(n int64) {
	q.gauge.Set(float64(q.used.Add(n)))
}

// Release gives back bytes of a chunk that left the buffer.
func (q *Queue) Release(n int64) {
	v := q.used.Add(-n)
	if v < 0 {
		q.used.CompareAndSwap(v, 0)
		v = 0
	}
	q.gauge.Set(float64(v))
}

// Storable reports whether the buffer can accept more data.
func (q *Queue) Storable() bool {
	return q.used.Load() < q.limit
}

func (q *Queue) Used() int64  { return q.used.Load() }
func (q *Queue) Limit() int64 { return q.limit }
