// Package errorsink receives records the writer could not send and reports
// them, either as JSON events on NATS subjects or as log lines.
package errorsink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/datastream"
	"github.com/gftdcojp/es-datastream-sink/internal/metrics"
	"github.com/gftdcojp/es-datastream-sink/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event is the JSON document published for every rejected record.
type Event struct {
	Tag        string    `json:"tag"`
	Time       time.Time `json:"time"`
	DataStream string    `json:"data_stream"`
	Record     any       `json:"record"`
	Error      string    `json:"error"`
}

// Publisher is the subset of *nats.Conn the NATS sink needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATS publishes error events to "<prefix>.<tag>".
type NATS struct {
	pub        Publisher
	prefix     string
	dataStream string
	fallback   *Log
	logger     *zap.Logger
}

var _ datastream.ErrorSink = (*NATS)(nil)

// NewNATS creates a sink publishing under prefix. Events that cannot be
// published are written to the log instead.
func NewNATS(pub Publisher, prefix, dataStream string, logger *zap.Logger) *NATS {
	return &NATS{
		pub:        pub,
		prefix:     prefix,
		dataStream: dataStream,
		fallback:   NewLog(dataStream, logger),
		logger:     logger,
	}
}

func (s *NATS) EmitError(tag string, t time.Time, record any, err error) {
	data, encErr := encodeEvent(Event{
		Tag:        tag,
		Time:       t,
		DataStream: s.dataStream,
		Record:     record,
		Error:      errString(err),
	})
	if encErr != nil {
		metrics.ErrorEventsEmitted.WithLabelValues("nats", "encode_error").Inc()
		s.fallback.EmitError(tag, t, record, err)
		return
	}

	msg := nats.NewMsg(natsutil.Subject(s.prefix, tag))
	msg.Header.Set("Esds-Data-Stream", s.dataStream)
	msg.Data = data
	if pubErr := s.pub.PublishMsg(msg); pubErr != nil {
		metrics.ErrorEventsEmitted.WithLabelValues("nats", "publish_error").Inc()
		s.logger.Warn("failed to publish error event", zap.String("subject", msg.Subject), zap.Error(pubErr))
		s.fallback.EmitError(tag, t, record, err)
		return
	}
	metrics.ErrorEventsEmitted.WithLabelValues("nats", "ok").Inc()
}

// encodeEvent marshals ev. A record that cannot be encoded as JSON (for
// example one holding NaN) is replaced by its %v rendering.
func encodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err == nil {
		return data, nil
	}
	ev.Record = fmt.Sprintf("%v", ev.Record)
	return json.Marshal(ev)
}

// Log writes error events to a zap logger at warn level.
type Log struct {
	dataStream string
	logger     *zap.Logger
}

var _ datastream.ErrorSink = (*Log)(nil)

func NewLog(dataStream string, logger *zap.Logger) *Log {
	return &Log{dataStream: dataStream, logger: logger}
}

func (s *Log) EmitError(tag string, t time.Time, record any, err error) {
	s.logger.Warn("dump an error event",
		zap.String("data_stream", s.dataStream),
		zap.String("tag", tag),
		zap.Time("time", t),
		zap.Any("record", record),
		zap.String("error", errString(err)),
	)
	metrics.ErrorEventsEmitted.WithLabelValues("log", "ok").Inc()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
