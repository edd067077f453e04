package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "es-datastream-sink",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Elasticsearch: ElasticsearchConfig{
			RequestTimeout: Duration(30 * time.Second),
			MaxRetries:     3,
		},
		Buffer: BufferConfig{
			ChunkLimitSize: ByteSize(8 * 1024 * 1024),   // 8MB
			TotalLimitSize: ByteSize(512 * 1024 * 1024), // 512MB
			FlushInterval:  Duration(5 * time.Second),
			RetryWait:      Duration(time.Second),
			RetryMaxWait:   Duration(60 * time.Second),
		},
		Metadata: MetadataConfig{
			Path: "/var/lib/esds/meta.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
