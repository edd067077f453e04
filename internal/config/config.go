package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/streamname"
	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS          NATSConfig          `yaml:"nats"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Outputs       []OutputConfig      `yaml:"outputs"`
	Buffer        BufferConfig        `yaml:"buffer"`
	PolicyStore   PolicyStoreConfig   `yaml:"policy_store"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type ElasticsearchConfig struct {
	Addresses      []string `yaml:"addresses"`
	CloudID        string   `yaml:"cloud_id"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	APIKey         string   `yaml:"api_key"`
	CAFile         string   `yaml:"ca_file"`
	RequestTimeout Duration `yaml:"request_timeout"`
	MaxRetries     int      `yaml:"max_retries"`
}

type OutputConfig struct {
	DataStreamName string   `yaml:"data_stream_name"`
	Stream         string   `yaml:"stream"`
	Subjects       []string `yaml:"subjects"`
	ConsumerName   string   `yaml:"consumer_name"`
	FetchBatch     int      `yaml:"fetch_batch"`
	FetchTimeout   Duration `yaml:"fetch_timeout"`
	Workers        int      `yaml:"workers"`
	TimePrecision  *int     `yaml:"time_precision"`
	// ILMPolicy is a local path or an s3://bucket/key URL. Empty selects the
	// bundled default policy.
	ILMPolicy string `yaml:"ilm_policy"`
	// ErrorSubjectPrefix selects the NATS error sink. Empty logs error
	// events instead.
	ErrorSubjectPrefix string   `yaml:"error_subject_prefix"`
	AckWait            Duration `yaml:"ack_wait"`
	// AutoMirror consumes through a Limits mirror when the stream is a
	// WorkQueue that already has other consumers. Defaults to true.
	AutoMirror   *bool    `yaml:"auto_mirror"`
	MirrorMaxAge Duration `yaml:"mirror_max_age"`
}

// AutoMirrorEnabled returns true unless auto_mirror is explicitly false.
func (o OutputConfig) AutoMirrorEnabled() bool {
	return o.AutoMirror == nil || *o.AutoMirror
}

// ResolvedTimePrecision returns the configured precision or the default of
// nine fractional digits.
func (o OutputConfig) ResolvedTimePrecision() int {
	if o.TimePrecision == nil {
		return 9
	}
	return *o.TimePrecision
}

// ResolvedConsumerName returns the durable consumer name for the output.
func (o OutputConfig) ResolvedConsumerName() string {
	if o.ConsumerName != "" {
		return o.ConsumerName
	}
	return "esds-" + o.DataStreamName
}

type BufferConfig struct {
	ChunkLimitSize ByteSize `yaml:"chunk_limit_size"`
	TotalLimitSize ByteSize `yaml:"total_limit_size"`
	FlushInterval  Duration `yaml:"flush_interval"`
	RetryWait      Duration `yaml:"retry_wait"`
	RetryMaxWait   Duration `yaml:"retry_max_wait"`
}

type PolicyStoreConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type MetadataConfig struct {
	Path string `yaml:"path"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// NATSSubjectPrefix enables the request-reply responder when set.
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}

	if len(c.Elasticsearch.Addresses) == 0 && c.Elasticsearch.CloudID == "" {
		return fmt.Errorf("elasticsearch.addresses or elasticsearch.cloud_id is required")
	}

	if len(c.Outputs) == 0 {
		return fmt.Errorf("at least one output must be configured")
	}

	seen := make(map[string]bool)
	for i, oc := range c.Outputs {
		if oc.DataStreamName == "" {
			return fmt.Errorf("outputs[%d].data_stream_name is required", i)
		}
		if _, err := streamname.Parse(oc.DataStreamName); err != nil {
			return fmt.Errorf("outputs[%d]: %w", i, err)
		}
		if seen[oc.DataStreamName] {
			return fmt.Errorf("outputs[%d] (%s): duplicate data_stream_name", i, oc.DataStreamName)
		}
		seen[oc.DataStreamName] = true
		if oc.Stream == "" {
			return fmt.Errorf("outputs[%d] (%s): stream is required", i, oc.DataStreamName)
		}
		if p := oc.ResolvedTimePrecision(); p < 0 || p > 9 {
			return fmt.Errorf("outputs[%d] (%s): time_precision must be between 0 and 9, got %d", i, oc.DataStreamName, p)
		}
		if oc.AckWait != 0 && oc.AckWait <= c.Buffer.FlushInterval {
			return fmt.Errorf("outputs[%d] (%s): ack_wait must be longer than buffer.flush_interval", i, oc.DataStreamName)
		}
		if oc.Workers < 0 {
			return fmt.Errorf("outputs[%d] (%s): workers must be >= 0", i, oc.DataStreamName)
		}
		if strings.HasPrefix(oc.ILMPolicy, "s3://") && c.PolicyStore.Region == "" && c.PolicyStore.Endpoint == "" {
			return fmt.Errorf("outputs[%d] (%s): s3 ilm_policy requires policy_store.region or policy_store.endpoint", i, oc.DataStreamName)
		}
	}

	if c.Buffer.ChunkLimitSize <= 0 {
		return fmt.Errorf("buffer.chunk_limit_size must be > 0")
	}
	if c.Buffer.TotalLimitSize < c.Buffer.ChunkLimitSize {
		return fmt.Errorf("buffer.total_limit_size must be >= buffer.chunk_limit_size")
	}
	if c.Buffer.FlushInterval <= 0 {
		return fmt.Errorf("buffer.flush_interval must be > 0")
	}

	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "8MB", "1GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "B"):
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
