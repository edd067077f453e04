package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/config"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	// mirrorPrefix is the naming prefix for auto-created mirror streams.
	mirrorPrefix = "ESDS_MIRROR_"

	// defaultMirrorMaxAge bounds how long a mirror keeps records that were
	// never written.
	defaultMirrorMaxAge = 72 * time.Hour
)

// MirrorStreamName returns the mirror stream name for the given source stream.
func MirrorStreamName(source string) string {
	return mirrorPrefix + source
}

// resolveResult holds the outcome of mirror resolution.
type resolveResult struct {
	ConsumeStream string
	IsMirror      bool
}

// resolveConsumerStream checks whether the output's stream is a WorkQueue
// that already has a consumer other than ours. Consuming such a stream
// directly would fail or steal records from the other consumer, so a
// Limits-retention mirror is created (or reused) and returned instead.
func resolveConsumerStream(
	ctx context.Context,
	js jetstream.JetStream,
	out config.OutputConfig,
	logger *zap.Logger,
) (resolveResult, error) {
	original := out.Stream
	consumer := out.ResolvedConsumerName()

	stream, err := js.Stream(ctx, original)
	if err != nil {
		return resolveResult{}, fmt.Errorf("fetching stream %s: %w", original, err)
	}
	if !out.AutoMirrorEnabled() {
		return resolveResult{ConsumeStream: original}, nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return resolveResult{}, fmt.Errorf("getting info for stream %s: %w", original, err)
	}
	if info.Config.Retention != jetstream.WorkQueuePolicy {
		return resolveResult{ConsumeStream: original}, nil
	}

	if _, err := js.Consumer(ctx, original, consumer); err == nil {
		logger.Debug("consumer already exists on WorkQueue stream, no mirror needed",
			zap.String("stream", original),
			zap.String("consumer", consumer),
		)
		return resolveResult{ConsumeStream: original}, nil
	}
	if info.State.Consumers == 0 {
		return resolveResult{ConsumeStream: original}, nil
	}

	mirrorName := MirrorStreamName(original)
	maxAge := out.MirrorMaxAge.Duration()
	if maxAge <= 0 {
		maxAge = defaultMirrorMaxAge
	}
	logger.Info("WorkQueue stream has other consumers, consuming through a mirror",
		zap.String("source_stream", original),
		zap.String("mirror_stream", mirrorName),
		zap.Int("existing_consumers", info.State.Consumers),
	)

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      mirrorName,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Mirror: &jetstream.StreamSource{
			Name: original,
		},
	})
	if err != nil {
		return resolveResult{}, fmt.Errorf("creating mirror stream %s: %w", mirrorName, err)
	}

	return resolveResult{ConsumeStream: mirrorName, IsMirror: true}, nil
}
