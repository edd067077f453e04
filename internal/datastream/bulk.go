package datastream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

const (
	// TimestampField is the field every document is stamped with.
	TimestampField = "@timestamp"

	// DefaultTimePrecision is the number of fractional second digits used
	// when rendering @timestamp.
	DefaultTimePrecision = 9

	bodyDelimiter = '\n'
)

// createHeader is the action line preceding every document.
var createHeader = []byte(`{"create":{}}`)

// Entry is a single buffered record and its event time.
type Entry struct {
	Time   time.Time
	Record any
}

// Batch is an ordered set of entries drawn from one buffered chunk.
type Batch struct {
	Tag     string
	Entries []Entry
}

// SkippedRecord is a record that could not be added to the payload.
type SkippedRecord struct {
	Tag    string
	Time   time.Time
	Record any
	Err    error
}

// BuildResult holds the bulk payload built from a batch.
type BuildResult struct {
	Payload []byte
	Records int
	Skipped []SkippedRecord
}

// BulkBuilder turns batches into newline-delimited bulk "create" requests.
// A BulkBuilder holds no mutable state and may be shared between goroutines.
type BulkBuilder struct {
	layout string
	stamp  func(record map[string]any, t time.Time) error
}

// NewBulkBuilder creates a builder rendering @timestamp with precision
// fractional second digits. Precision is clamped to [0, 9].
func NewBulkBuilder(precision int) *BulkBuilder {
	b := &BulkBuilder{layout: timestampLayout(precision)}
	b.stamp = b.stampTimestamp
	return b
}

// Build serializes every map record of the batch. Records that are not maps
// with string keys are dropped without a report. Records that fail to stamp or serialize are
// returned in Skipped and contribute nothing to the payload.
func (b *BulkBuilder) Build(batch Batch) BuildResult {
	var (
		buf bytes.Buffer
		res BuildResult
	)

	for _, e := range batch.Entries {
		record, ok := asRecord(e.Record)
		if !ok {
			continue
		}

		doc, err := b.encode(record, e.Time)
		if err != nil {
			res.Skipped = append(res.Skipped, SkippedRecord{
				Tag:    batch.Tag,
				Time:   e.Time,
				Record: e.Record,
				Err:    err,
			})
			continue
		}

		buf.Write(createHeader)
		buf.WriteByte(bodyDelimiter)
		buf.Write(doc)
		buf.WriteByte(bodyDelimiter)
		res.Records++
	}

	res.Payload = buf.Bytes()
	return res
}

// asRecord returns v as a document when it is a map keyed by strings.
func asRecord(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	m := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		m[iter.Key().String()] = iter.Value().Interface()
	}
	return m, true
}

func (b *BulkBuilder) encode(record map[string]any, t time.Time) ([]byte, error) {
	doc := make(map[string]any, len(record)+1)
	for k, v := range record {
		doc[k] = v
	}
	if err := b.stamp(doc, t); err != nil {
		return nil, fmt.Errorf("stamping %s: %w", TimestampField, err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return data, nil
}

func (b *BulkBuilder) stampTimestamp(record map[string]any, t time.Time) error {
	if y := t.Year(); y < 0 || y > 9999 {
		return fmt.Errorf("year %d outside of ISO 8601 range", y)
	}
	record[TimestampField] = t.UTC().Format(b.layout)
	return nil
}

func timestampLayout(precision int) string {
	if precision < 0 {
		precision = 0
	}
	if precision > 9 {
		precision = 9
	}
	if precision == 0 {
		return "2006-01-02T15:04:05Z07:00"
	}
	return "2006-01-02T15:04:05." + strings.Repeat("0", precision) + "Z07:00"
}
