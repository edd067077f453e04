package esds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/errorsink"
	"github.com/gftdcojp/es-datastream-sink/internal/serve"
	"github.com/nats-io/nats.go"
)

type (
	// Status is the overall state of the sink.
	Status = serve.StatusResponse
	// OutputSummary is the short view of one data stream.
	OutputSummary = serve.OutputSummary
	// OutputDetail adds provisioning, checkpoint and consumer state.
	OutputDetail = serve.OutputDetail
	// ErrorEvent is a record the sink could not write.
	ErrorEvent = errorsink.Event
)

// Config configures the client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// SubjectPrefix is the prefix of the sink's responder subjects.
	// Defaults to "esds.api".
	SubjectPrefix string

	// Timeout for each request. Defaults to 5s.
	Timeout time.Duration
}

// Client queries a running sink.
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("esds: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "esds.api"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{nc: cfg.NC, prefix: prefix, timeout: timeout}, nil
}

// Status returns the overall state of the sink.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.request(ctx, "status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Outputs lists every configured data stream.
func (c *Client) Outputs(ctx context.Context) ([]OutputSummary, error) {
	var outputs []OutputSummary
	if err := c.request(ctx, "outputs", &outputs); err != nil {
		return nil, err
	}
	return outputs, nil
}

// Output returns the detail of one data stream. It returns ErrUnknownOutput
// when the sink does not write to name.
func (c *Client) Output(ctx context.Context, name string) (*OutputDetail, error) {
	var detail OutputDetail
	if err := c.request(ctx, "outputs."+name, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// SubscribeErrors delivers the error events published under prefix, which
// is the error_subject_prefix of an output. Events that do not decode are
// dropped.
func (c *Client) SubscribeErrors(prefix string, handler func(ErrorEvent)) (*nats.Subscription, error) {
	subject := prefix + ".>"
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev ErrorEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("esds: subscribing to %s: %w", subject, err)
	}
	return sub, nil
}

func (c *Client) request(ctx context.Context, op string, v any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.nc.RequestWithContext(ctx, c.prefix+"."+op, nil)
	if err != nil {
		if isNoResponders(err) {
			return ErrUnavailable
		}
		return fmt.Errorf("esds: %s request: %w", op, err)
	}

	if data := bytes.TrimSpace(resp.Data); len(data) > 0 && data[0] == '{' {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			if isUnknownOutput(e.Error) {
				return fmt.Errorf("%w: %s", ErrUnknownOutput, e.Error)
			}
			return fmt.Errorf("esds: %s: %s", op, e.Error)
		}
	}

	if err := json.Unmarshal(resp.Data, v); err != nil {
		return fmt.Errorf("esds: decoding %s response: %w", op, err)
	}
	return nil
}
