package datastream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gftdcojp/es-datastream-sink/internal/streamname"
	"go.uber.org/zap"
)

// ProvisionResult describes what Provision did on the cluster.
type ProvisionResult struct {
	PolicyID string
	Template string
	Created  bool // data stream did not exist and was created
}

// Provisioner makes the cluster hold the lifecycle policy, index template and
// data stream for one validated name. Every step is safe to repeat.
type Provisioner struct {
	name      streamname.Name
	transport Transport
	policy    []byte
	logger    *zap.Logger
}

// NewProvisioner creates a provisioner for name using the given lifecycle
// policy document. The document is sent as-is.
func NewProvisioner(name streamname.Name, transport Transport, policy []byte, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		name:      name,
		transport: transport,
		policy:    policy,
		logger:    logger,
	}
}

// Provision upserts the lifecycle policy and index template, then ensures the
// data stream exists. Any failure means the cluster cannot receive writes.
func (p *Provisioner) Provision(ctx context.Context) (ProvisionResult, error) {
	res := ProvisionResult{PolicyID: p.name.PolicyID(), Template: p.name.String()}

	if err := p.EnsureRetentionPolicy(ctx); err != nil {
		return res, p.wrap(err)
	}
	if err := p.EnsureIndexTemplate(ctx); err != nil {
		return res, p.wrap(err)
	}
	created, err := p.EnsureDataStream(ctx)
	if err != nil {
		return res, p.wrap(err)
	}
	res.Created = created
	return res, nil
}

// EnsureRetentionPolicy upserts the "<name>_policy" lifecycle policy.
func (p *Provisioner) EnsureRetentionPolicy(ctx context.Context) error {
	id := p.name.PolicyID()
	if err := p.transport.PutLifecyclePolicy(ctx, id, p.policy); err != nil {
		return fmt.Errorf("putting lifecycle policy %s: %w", id, err)
	}
	p.logger.Debug("lifecycle policy ensured", zap.String("policy", id))
	return nil
}

// EnsureIndexTemplate upserts a data stream template matching "<name>*".
func (p *Provisioner) EnsureIndexTemplate(ctx context.Context) error {
	body, err := p.indexTemplate()
	if err != nil {
		return err
	}
	if err := p.transport.PutIndexTemplate(ctx, p.name.String(), body); err != nil {
		return fmt.Errorf("putting index template %s: %w", p.name, err)
	}
	p.logger.Debug("index template ensured",
		zap.String("template", p.name.String()),
		zap.String("index_pattern", p.name.IndexPattern()),
	)
	return nil
}

// EnsureDataStream creates the data stream unless it already exists. It
// reports whether this call created it; losing a create race to another
// writer counts as existing.
func (p *Provisioner) EnsureDataStream(ctx context.Context) (bool, error) {
	err := p.transport.GetDataStream(ctx, p.name.String())
	if err == nil {
		p.logger.Info("specified data stream exists", zap.String("data_stream", p.name.String()))
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("checking data stream %s: %w", p.name, err)
	}

	p.logger.Info("specified data stream does not exist, creating", zap.String("data_stream", p.name.String()))
	err = p.transport.CreateDataStream(ctx, p.name.String())
	if errors.Is(err, ErrAlreadyExists) {
		p.logger.Info("data stream created concurrently by another writer", zap.String("data_stream", p.name.String()))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creating data stream %s: %w", p.name, err)
	}
	return true, nil
}

func (p *Provisioner) indexTemplate() ([]byte, error) {
	tmpl := map[string]any{
		"index_patterns": []string{p.name.IndexPattern()},
		"data_stream":    map[string]any{},
		"template": map[string]any{
			"settings": map[string]any{
				"index.lifecycle.name": p.name.PolicyID(),
			},
		},
	}
	body, err := json.Marshal(tmpl)
	if err != nil {
		return nil, fmt.Errorf("encoding index template: %w", err)
	}
	return body, nil
}

func (p *Provisioner) wrap(err error) error {
	return fmt.Errorf("failed to create data stream: <%s>: %w", p.name, err)
}
