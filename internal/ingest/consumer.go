package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/config"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	defaultFetchBatch   = 256
	defaultFetchTimeout = 5 * time.Second
	defaultAckWait      = 60 * time.Second
)

// consumerConfig builds the durable pull consumer for an output. Mirror
// streams replicate only the source, so no subject filter is applied there.
func consumerConfig(out config.OutputConfig, isMirror bool) jetstream.ConsumerConfig {
	ackWait := out.AckWait.Duration()
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	cfg := jetstream.ConsumerConfig{
		Durable:       out.ResolvedConsumerName(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       ackWait,
		MaxAckPending: -1,
	}
	if !isMirror && len(out.Subjects) > 0 {
		cfg.FilterSubjects = out.Subjects
	}
	return cfg
}

// ConsumerInfo returns information about an output's consumer. It is used
// by the status API to report pending and redelivered counts.
func ConsumerInfo(ctx context.Context, js jetstream.JetStream, stream, consumer string) (*jetstream.ConsumerInfo, error) {
	cons, err := js.Consumer(ctx, stream, consumer)
	if err != nil {
		return nil, fmt.Errorf("getting consumer %s on stream %s: %w", consumer, stream, err)
	}
	return cons.Info(ctx)
}
