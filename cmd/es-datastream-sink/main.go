package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/buffer"
	"github.com/gftdcojp/es-datastream-sink/internal/config"
	"github.com/gftdcojp/es-datastream-sink/internal/datastream"
	"github.com/gftdcojp/es-datastream-sink/internal/errorsink"
	"github.com/gftdcojp/es-datastream-sink/internal/esclient"
	"github.com/gftdcojp/es-datastream-sink/internal/ingest"
	"github.com/gftdcojp/es-datastream-sink/internal/meta"
	"github.com/gftdcojp/es-datastream-sink/internal/metrics"
	"github.com/gftdcojp/es-datastream-sink/internal/policy"
	"github.com/gftdcojp/es-datastream-sink/internal/serve"
	"github.com/gftdcojp/es-datastream-sink/internal/streamname"
	"github.com/gftdcojp/es-datastream-sink/pkg/natsutil"
	"github.com/gftdcojp/es-datastream-sink/pkg/s3util"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("es-datastream-sink %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

// output bundles what one configured data stream needs at runtime.
type output struct {
	cfg      config.OutputConfig
	queue    *buffer.Queue
	pipeline *ingest.Pipeline
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Connect to NATS
	nc, err := natsutil.Connect(cfg.NATS, logger.Named("nats"))
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("creating JetStream context: %w", err)
	}

	// Initialize metadata store
	metaStore, err := meta.NewBoltStore(cfg.Metadata.Path, logger.Named("meta"))
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer metaStore.Close()

	// Initialize S3 client only when a policy lives in a bucket
	var (
		s3Client *s3util.Client
		buckets  []string
	)
	for _, oc := range cfg.Outputs {
		if !strings.HasPrefix(oc.ILMPolicy, "s3://") {
			continue
		}
		if s3Client == nil {
			s3Client, err = s3util.NewClient(ctx, cfg.PolicyStore)
			if err != nil {
				return fmt.Errorf("creating S3 client: %w", err)
			}
		}
		buckets = appendUnique(buckets, policy.Bucket(oc.ILMPolicy))
	}

	esClient, err := esclient.New(cfg.Elasticsearch, logger.Named("elasticsearch"))
	if err != nil {
		return err
	}

	outputs := make([]*output, 0, len(cfg.Outputs))
	bufferStates := make(map[string]metrics.BufferState, len(cfg.Outputs))
	for _, oc := range cfg.Outputs {
		q := buffer.NewQueue(oc.DataStreamName, int64(cfg.Buffer.TotalLimitSize))
		outputs = append(outputs, &output{cfg: oc, queue: q})
		bufferStates[oc.DataStreamName] = q
	}

	deps := metrics.HealthDeps{
		NATS:          nc,
		Meta:          metaStore,
		Elasticsearch: esClient,
		PolicyBuckets: buckets,
		Buffers:       bufferStates,
	}
	if s3Client != nil {
		deps.S3 = s3Client
	}
	healthChecker := metrics.NewHealthChecker(deps)

	g, gctx := errgroup.WithContext(ctx)

	// Start metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Start health server before provisioning so liveness answers while
	// readiness stays false.
	if cfg.Observability.Health.Enabled {
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	// Provision every data stream before any record is consumed.
	var fetcher policy.Fetcher
	if s3Client != nil {
		fetcher = s3Client
	}
	for _, out := range outputs {
		if err := provision(gctx, out.cfg, esClient, fetcher, metaStore, logger); err != nil {
			cancel()
			g.Wait()
			return err
		}
	}
	healthChecker.SetProvisioned(true)

	pipelines := make([]serve.Pipeline, 0, len(outputs))
	buffers := make(map[string]serve.Buffer, len(outputs))
	for _, out := range outputs {
		name := out.cfg.DataStreamName
		outLogger := logger.With(zap.String("data_stream", name))

		var sink datastream.ErrorSink
		if out.cfg.ErrorSubjectPrefix != "" {
			sink = errorsink.NewNATS(nc, out.cfg.ErrorSubjectPrefix, name, outLogger.Named("errorsink"))
		} else {
			sink = errorsink.NewLog(name, outLogger.Named("errorsink"))
		}

		writer := datastream.NewWriter(datastream.WriterConfig{
			Name:      streamname.Name(name),
			Transport: esClient,
			Builder:   datastream.NewBulkBuilder(out.cfg.ResolvedTimePrecision()),
			Errors:    sink,
			Buffer:    out.queue,
			Logger:    outLogger.Named("writer"),
		})

		out.pipeline = ingest.NewPipeline(ingest.PipelineConfig{
			JS:     js,
			Writer: writer,
			Queue:  out.queue,
			Meta:   metaStore,
			Errors: sink,
			Output: out.cfg,
			Buffer: cfg.Buffer,
			Logger: outLogger.Named("ingest"),
		})
		pipelines = append(pipelines, out.pipeline)
		buffers[name] = out.queue

		p := out.pipeline
		g.Go(func() error { return p.Run(gctx) })
	}

	svc := serve.NewService(serve.ServiceConfig{
		Outputs:   cfg.Outputs,
		Pipelines: pipelines,
		Buffers:   buffers,
		Meta:      metaStore,
		JS:        js,
		Logger:    logger.Named("api"),
	})

	// Start HTTP API
	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, svc, logger.Named("api"))
		})
	}

	// Start NATS responder
	if cfg.API.NATSSubjectPrefix != "" {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSSubjectPrefix, svc, logger.Named("nats-responder"))
		})
	}

	logger.Info("es-datastream-sink started",
		zap.String("version", version),
		zap.Int("outputs", len(cfg.Outputs)),
		zap.String("nats_url", cfg.NATS.URL),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// provision installs the lifecycle policy, index template and data stream for
// one output and records the outcome.
func provision(
	ctx context.Context,
	oc config.OutputConfig,
	transport datastream.Transport,
	fetcher policy.Fetcher,
	store meta.Store,
	logger *zap.Logger,
) error {
	name, err := streamname.Parse(oc.DataStreamName)
	if err != nil {
		return err
	}

	body, err := policy.Load(ctx, oc.ILMPolicy, fetcher)
	if err != nil {
		metrics.ProvisionOps.WithLabelValues(name.String(), "error").Inc()
		return fmt.Errorf("loading lifecycle policy for %s: %w", name, err)
	}

	p := datastream.NewProvisioner(name, transport, body, logger.Named("provision").With(zap.String("data_stream", name.String())))
	res, err := p.Provision(ctx)
	if err != nil {
		metrics.ProvisionOps.WithLabelValues(name.String(), "error").Inc()
		return err
	}
	metrics.ProvisionOps.WithLabelValues(name.String(), "ok").Inc()

	source := oc.ILMPolicy
	if source == "" {
		source = "default"
	}
	if err := store.RecordProvision(ctx, meta.ProvisionRecord{
		DataStream:    name.String(),
		PolicyID:      res.PolicyID,
		Template:      res.Template,
		PolicySource:  source,
		Created:       res.Created,
		ProvisionedAt: time.Now(),
	}); err != nil {
		logger.Warn("failed to record provisioning", zap.String("data_stream", name.String()), zap.Error(err))
	}

	logger.Info("data stream provisioned",
		zap.String("data_stream", name.String()),
		zap.String("policy", res.PolicyID),
		zap.Bool("created", res.Created),
	)
	return nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
