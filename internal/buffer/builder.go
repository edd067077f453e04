// Package buffer groups consumed records into chunks per tag and tracks how
// many bytes of sealed chunks are waiting to be written.
package buffer

import (
	"sync"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/datastream"
)

// Message is the acknowledgement handle of a consumed record.
type Message interface {
	Ack() error
	NakWithDelay(delay time.Duration) error
}

// Chunk is a sealed, immutable group of records sharing one tag.
type Chunk struct {
	ID        uint64
	Tag       string
	Entries   []datastream.Entry
	Msgs      []Message
	Size      int64
	FirstSeq  uint64
	LastSeq   uint64
	CreatedAt time.Time
}

// Batch returns the chunk contents in the form the writer consumes.
func (c *Chunk) Batch() datastream.Batch {
	return datastream.Batch{Tag: c.Tag, Entries: c.Entries}
}

// Builder accumulates records for one tag, respecting the chunk limit.
type Builder struct {
	mu        sync.Mutex
	limit     int64
	tag       string
	id        uint64
	entries   []datastream.Entry
	msgs      []Message
	curSize   int64
	firstSeq  uint64
	lastSeq   uint64
	createdAt time.Time
}

// NewBuilder creates a builder for tag targeting the given chunk size.
func NewBuilder(tag string, id uint64, limit int64) *Builder {
	return &Builder{
		limit:   limit,
		tag:     tag,
		id:      id,
		entries: make([]datastream.Entry, 0, 64),
		msgs:    make([]Message, 0, 64),
	}
}

// Add appends a record of size bytes. Returns false if the record would
// exceed the chunk limit, indicating the caller should Seal() the current
// chunk and start a new one. A record is always accepted by an empty builder.
func (b *Builder) Add(entry datastream.Entry, msg Message, seq uint64, size int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.curSize+size > b.limit && len(b.entries) > 0 {
		return false
	}

	if len(b.entries) == 0 {
		b.firstSeq = seq
		b.createdAt = time.Now()
	}
	b.entries = append(b.entries, entry)
	b.msgs = append(b.msgs, msg)
	b.curSize += size
	b.lastSeq = seq
	return true
}

// Seal returns the accumulated chunk, or nil when nothing was added. The
// builder must not be used afterwards.
func (b *Builder) Seal() *Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}

	return &Chunk{
		ID:        b.id,
		Tag:       b.tag,
		Entries:   b.entries,
		Msgs:      b.msgs,
		Size:      b.curSize,
		FirstSeq:  b.firstSeq,
		LastSeq:   b.lastSeq,
		CreatedAt: b.createdAt,
	}
}

// CurrentSize returns bytes accumulated so far.
func (b *Builder) CurrentSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.curSize
}

// Len returns the number of records accumulated.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Age returns how long ago the first record was added, or zero if empty.
func (b *Builder) Age() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return 0
	}
	return time.Since(b.createdAt)
}
