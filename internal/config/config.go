package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every flag name when read from the
// environment, e.g. --queue-url becomes INGEST_QUEUE_URL.
const EnvPrefix = "INGEST"

var (
	ErrMissingLLMEndpoint = errors.New("missing LLM endpoint")
	ErrMissingQueueURL    = errors.New("missing queue url")
	ErrInvalid            = errors.New("invalid configuration")
)

// Config is the resolved configuration of one ingest process.
type Config struct {
	QueueURL    string `mapstructure:"queue-url"`
	QueueName   string `mapstructure:"queue-name" validate:"required"`
	IPFSURL     string `mapstructure:"ipfs-url" validate:"required,url"`
	LLMURL      string `mapstructure:"llm-url" validate:"omitempty,url"`
	LLMAdapter  string `mapstructure:"llm-adapter" validate:"oneof=openai ollama"`
	LLMModel    string `mapstructure:"llm-model" validate:"required"`
	LLMKey      string `mapstructure:"llm-key"`
	RedisURL    string `mapstructure:"redis-url"`
	DatabaseURL string `mapstructure:"database-url"`

	PollInterval time.Duration `mapstructure:"poll-interval" validate:"gt=0"`
	PollTimeout  time.Duration `mapstructure:"poll-timeout" validate:"gte=0"`
	BufferLimit  int           `mapstructure:"buffer-limit" validate:"gt=0"`
	SourcesPath  string        `mapstructure:"sources"`
	StatePath    string        `mapstructure:"state-path"`

	Workers        int           `mapstructure:"workers" validate:"gte=1,lte=256"`
	MaxAttempts    int           `mapstructure:"max-attempts" validate:"gte=1"`
	JobTimeout     time.Duration `mapstructure:"job-timeout" validate:"gt=0"`
	RequestTimeout time.Duration `mapstructure:"request-timeout" validate:"gt=0"`
	MaxInputTokens int           `mapstructure:"max-input-tokens" validate:"gt=0"`

	AllowedSources   []string `mapstructure:"allowed-sources"`
	MaxPayloadBytes  int      `mapstructure:"max-payload-bytes" validate:"gte=0"`
	QuarantineDir    string   `mapstructure:"quarantine-dir" validate:"required"`
	QuarantineBucket string   `mapstructure:"quarantine-bucket"`
	S3Endpoint       string   `mapstructure:"s3-endpoint"`
	S3Region         string   `mapstructure:"s3-region"`

	BatchLimit       int           `mapstructure:"batch-limit" validate:"gt=0"`
	UploadRetries    int           `mapstructure:"upload-retries" validate:"gte=1"`
	FlushInterval    time.Duration `mapstructure:"flush-interval" validate:"gt=0"`
	SnapshotInterval time.Duration `mapstructure:"snapshot-interval" validate:"gt=0"`
	LedgerPath       string        `mapstructure:"ledger-path" validate:"required"`
	SnapshotDir      string        `mapstructure:"snapshot-dir" validate:"required"`
	SpoolDir         string        `mapstructure:"spool-dir"`
	PointerKey       string        `mapstructure:"pointer-key"`

	AdminAddr  string `mapstructure:"admin-addr"`
	AdminToken string `mapstructure:"admin-token"`
	Debug      bool   `mapstructure:"debug"`
	LogJSON    bool   `mapstructure:"log-json"`
}

// RegisterFlags declares every setting on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("queue-url", "", "work queue url (amqp://... or memory://)")
	fs.String("queue-name", "documents", "work queue name")
	fs.String("ipfs-url", "http://localhost:5001", "IPFS (kubo) RPC endpoint")
	fs.String("llm-url", "", "extraction model endpoint")
	fs.String("llm-adapter", "openai", "extraction model adapter (openai or ollama)")
	fs.String("llm-model", "gpt-4o-mini", "extraction model name")
	fs.String("llm-key", "", "extraction model api key")
	fs.String("redis-url", "", "redis url for shared dedup state (optional)")
	fs.String("database-url", "", "postgres url for cursors and source leases (optional)")

	fs.Duration("poll-interval", 5*time.Minute, "default source poll interval")
	fs.Duration("poll-timeout", 0, "default source poll timeout (0 uses the interval)")
	fs.Int("buffer-limit", 1000, "documents held locally while the queue is unavailable")
	fs.String("sources", "sources.yaml", "YAML file describing the sources")
	fs.String("state-path", "data/state/cursors.json", "poll cursor file, used without --database-url")

	fs.Int("workers", 4, "number of pipeline workers")
	fs.Int("max-attempts", 5, "deliveries of a document before it is dead-lettered")
	fs.Duration("job-timeout", 10*time.Minute, "upper bound for handling one document")
	fs.Duration("request-timeout", 2*time.Minute, "upper bound for one model call")
	fs.Int("max-input-tokens", 6000, "document tokens sent to the model")

	fs.StringSlice("allowed-sources", nil, "trusted source names (empty trusts all)")
	fs.Int("max-payload-bytes", 1<<20, "largest accepted document in bytes (0 disables)")
	fs.String("quarantine-dir", "data/quarantine", "directory for quarantined documents")
	fs.String("quarantine-bucket", "", "S3 bucket mirroring the quarantine (optional)")
	fs.String("s3-endpoint", "", "S3 endpoint for the quarantine mirror")
	fs.String("s3-region", "", "S3 region for the quarantine mirror")

	fs.Int("batch-limit", 32, "artifacts uploaded per publish batch")
	fs.Int("upload-retries", 3, "attempts per artifact upload")
	fs.Duration("flush-interval", 5*time.Second, "publish batch interval")
	fs.Duration("snapshot-interval", 5*time.Minute, "graph snapshot interval")
	fs.String("ledger-path", "data/ledger.jsonl", "append-only hash ledger")
	fs.String("snapshot-dir", "data/snapshots", "local copy of the latest graph snapshot")
	fs.String("spool-dir", "data/spool", "pending uploads kept across restarts (empty disables)")
	fs.String("pointer-key", "", "IPNS key updated with the latest graph snapshot (empty disables)")

	fs.String("admin-addr", ":9090", "admin HTTP listen address (empty disables)")
	fs.String("admin-token", "", "bearer token required by the admin API (empty disables)")
	fs.Bool("debug", false, "enable debug logging")
	fs.Bool("log-json", false, "log JSON lines")
}

// Load resolves the configuration from flags, INGEST_* environment
// variables and flag defaults, in that order of precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	cfg.AllowedSources = splitList(cfg.AllowedSources)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required endpoints and ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.QueueURL) == "" {
		return ErrMissingQueueURL
	}
	if strings.TrimSpace(c.LLMURL) == "" {
		return ErrMissingLLMEndpoint
	}
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// splitList accepts both repeated values and comma separated ones.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for part := range strings.SplitSeq(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
