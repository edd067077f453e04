// Package esclient implements datastream.Transport on top of the official
// Elasticsearch client.
package esclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/gftdcojp/es-datastream-sink/internal/config"
	"github.com/gftdcojp/es-datastream-sink/internal/datastream"
	"go.uber.org/zap"
)

// maxErrorBody bounds how much of an error response is kept in errors.
const maxErrorBody = 1024

var alreadyExists = []byte("resource_already_exists_exception")

// Client talks to one Elasticsearch cluster. It is safe for concurrent use;
// the underlying HTTP connection pool is shared by all callers.
type Client struct {
	es      *elasticsearch.Client
	timeout time.Duration
	logger  *zap.Logger
}

var _ datastream.Transport = (*Client)(nil)

// New creates a client from the elasticsearch config section.
func New(cfg config.ElasticsearchConfig, logger *zap.Logger) (*Client, error) {
	esCfg := elasticsearch.Config{
		Addresses:  cfg.Addresses,
		CloudID:    cfg.CloudID,
		Username:   cfg.Username,
		Password:   cfg.Password,
		APIKey:     cfg.APIKey,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.CAFile != "" {
		cert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading elasticsearch CA file: %w", err)
		}
		esCfg.CACert = cert
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}

	return &Client{
		es:      es,
		timeout: cfg.RequestTimeout.Duration(),
		logger:  logger,
	}, nil
}

func (c *Client) PutLifecyclePolicy(ctx context.Context, id string, body []byte) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.es.ILM.PutLifecycle(id,
		c.es.ILM.PutLifecycle.WithBody(bytes.NewReader(body)),
		c.es.ILM.PutLifecycle.WithContext(ctx),
	)
	_, err = c.check(res, err, "put lifecycle policy "+id)
	return err
}

func (c *Client) PutIndexTemplate(ctx context.Context, name string, body []byte) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.es.Indices.PutIndexTemplate(name, bytes.NewReader(body),
		c.es.Indices.PutIndexTemplate.WithContext(ctx),
	)
	_, err = c.check(res, err, "put index template "+name)
	return err
}

// GetDataStream returns datastream.ErrNotFound when the cluster answers 404.
func (c *Client) GetDataStream(ctx context.Context, name string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.es.Indices.GetDataStream(
		c.es.Indices.GetDataStream.WithName(name),
		c.es.Indices.GetDataStream.WithContext(ctx),
	)
	_, err = c.check(res, err, "get data stream "+name)
	return err
}

func (c *Client) CreateDataStream(ctx context.Context, name string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.es.Indices.CreateDataStream(name,
		c.es.Indices.CreateDataStream.WithContext(ctx),
	)
	_, err = c.check(res, err, "create data stream "+name)
	return err
}

func (c *Client) Bulk(ctx context.Context, index string, body []byte) (*datastream.BulkResponse, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.es.Bulk(bytes.NewReader(body),
		c.es.Bulk.WithIndex(index),
		c.es.Bulk.WithContext(ctx),
	)
	raw, err := c.check(res, err, "bulk "+index)
	if err != nil {
		return nil, err
	}

	var resp datastream.BulkResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding bulk response: %w", err)
	}
	resp.Raw = raw
	return &resp, nil
}

// Ping checks that the cluster answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	_, err = c.check(res, err, "ping")
	return err
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// check drains and closes the response, mapping 404 to ErrNotFound, a
// resource_already_exists_exception to ErrAlreadyExists and any other error
// status to an error carrying the start of the body.
func (c *Client) check(res *esapi.Response, err error, op string) ([]byte, error) {
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: reading response: %w", op, err)
	}

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", op, datastream.ErrNotFound)
	}
	if res.StatusCode == http.StatusBadRequest && bytes.Contains(body, alreadyExists) {
		return nil, fmt.Errorf("%s: %w", op, datastream.ErrAlreadyExists)
	}
	if res.IsError() {
		c.logger.Debug("elasticsearch error response",
			zap.String("op", op),
			zap.Int("status", res.StatusCode),
		)
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, fmt.Errorf("%s: status %d: %s", op, res.StatusCode, body)
	}
	return body, nil
}
