package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
)

// ByteSize is a byte count that accepts human readable values such as "16MiB" or "2MB".
type ByteSize int64

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", value, err)
	}

	*b = ByteSize(n)

	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Config struct for environment variables.
type Config struct {
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath      string `envconfig:"DB_PATH" default:"rangefetch.db"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"downloads"`
	TempDir     string `envconfig:"TEMP_DIR" default:".rangefetch-temp"`

	MaxConnections        int      `envconfig:"MAX_CONNECTIONS" default:"8"`
	MaxConnectionsPerHost int      `envconfig:"MAX_CONNECTIONS_PER_HOST" default:"0"`
	MinSegmentSize        ByteSize `envconfig:"MIN_SEGMENT_SIZE" default:"1MiB"`
	ChunkSize             ByteSize `envconfig:"CHUNK_SIZE" default:"2MiB"`

	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`

	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryBaseDelay  time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2s"`
	RetryMultiplier float64       `envconfig:"RETRY_MULTIPLIER" default:"2.0"`
	RetryMaxDelay   time.Duration `envconfig:"RETRY_MAX_DELAY" default:"1m"`
	ProbeRetries    int           `envconfig:"PROBE_RETRIES" default:"2"`

	MergeSmallThreshold  ByteSize `envconfig:"MERGE_SMALL_THRESHOLD" default:"50MiB"`
	MergeLargeThreshold  ByteSize `envconfig:"MERGE_LARGE_THRESHOLD" default:"500MiB"`
	MergeBufferSize      ByteSize `envconfig:"MERGE_BUFFER_SIZE" default:"8MiB"`
	MergeLargeBufferSize ByteSize `envconfig:"MERGE_LARGE_BUFFER_SIZE" default:"32MiB"`
	MergeFlushEvery      ByteSize `envconfig:"MERGE_FLUSH_EVERY" default:"256MiB"`

	MaxConcurrentDownloads int           `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"3"`
	CheckpointInterval     time.Duration `envconfig:"CHECKPOINT_INTERVAL" default:"5s"`
	ProgressInterval       time.Duration `envconfig:"PROGRESS_INTERVAL" default:"100ms"`
	ProgressWindow         time.Duration `envconfig:"PROGRESS_WINDOW" default:"5s"`
	AdmissionInterval      time.Duration `envconfig:"ADMISSION_INTERVAL" default:"5s"`
	CleanupInterval        time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	UserAgent        string `envconfig:"USER_AGENT" default:"rangefetch/1.0"`
	SourceToken      string `envconfig:"SOURCE_TOKEN"`
	NotifyWebhookURL string `envconfig:"NOTIFY_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"rangefetch"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate reports every setting the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.MaxConnections <= 0 {
		errs = append(errs, errors.New("MAX_CONNECTIONS must be positive"))
	}

	if c.MaxConnectionsPerHost < 0 {
		errs = append(errs, errors.New("MAX_CONNECTIONS_PER_HOST must not be negative"))
	}

	if c.MinSegmentSize <= 0 {
		errs = append(errs, errors.New("MIN_SEGMENT_SIZE must be positive"))
	}

	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("CHUNK_SIZE must be positive"))
	}

	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}

	if c.RetryMultiplier < 1 {
		errs = append(errs, errors.New("RETRY_MULTIPLIER must be at least 1"))
	}

	if c.MaxConcurrentDownloads <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_DOWNLOADS must be positive"))
	}

	if c.AdmissionInterval <= 0 || c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("ADMISSION_INTERVAL and CLEANUP_INTERVAL must be positive"))
	}

	if c.MergeSmallThreshold > c.MergeLargeThreshold {
		errs = append(errs, errors.New("MERGE_SMALL_THRESHOLD must not exceed MERGE_LARGE_THRESHOLD"))
	}

	if c.MergeBufferSize <= 0 || c.MergeLargeBufferSize <= 0 {
		errs = append(errs, errors.New("merge buffer sizes must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
