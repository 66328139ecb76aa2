package config

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Images    ImagesConfig    `yaml:"images" mapstructure:"images"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Detector  DetectorConfig  `yaml:"detector" mapstructure:"detector"`
	Sampler   SamplerConfig   `yaml:"sampler" mapstructure:"sampler"`
	Hash      HashConfig      `yaml:"hash" mapstructure:"hash"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Events    EventsConfig    `yaml:"events" mapstructure:"events"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the record database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ImagesConfig configures where detection crops are stored.
type ImagesConfig struct {
	Backend string      `yaml:"backend" mapstructure:"backend"`
	Dir     string      `yaml:"dir" mapstructure:"dir"`
	MinIO   MinIOConfig `yaml:"minio" mapstructure:"minio"`
}

// MinIOConfig holds S3-compatible object storage settings.
type MinIOConfig struct {
	Endpoint   string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey  string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey  string `yaml:"secret_key" mapstructure:"secret_key"`
	UseSSL     bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	Bucket     string `yaml:"bucket" mapstructure:"bucket"`
	BasePath   string `yaml:"base_path" mapstructure:"base_path"`
	MaxRetries int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// QueueConfig selects the work queue implementation.
type QueueConfig struct {
	Backend  string      `yaml:"backend" mapstructure:"backend"`
	PollSecs float64     `yaml:"poll_secs" mapstructure:"poll_secs"`
	Redis    RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig holds the shared queue connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Key      string `yaml:"key" mapstructure:"key"`
}

// DetectorConfig configures the ONNX object detector.
type DetectorConfig struct {
	ModelPath  string  `yaml:"model_path" mapstructure:"model_path"`
	InputSize  int     `yaml:"input_size" mapstructure:"input_size"`
	Confidence float64 `yaml:"confidence" mapstructure:"confidence"`
	NMS        float64 `yaml:"nms" mapstructure:"nms"`
}

// SamplerConfig configures frame sampling and progress cadence.
type SamplerConfig struct {
	IntervalSecs  float64 `yaml:"interval_secs" mapstructure:"interval_secs"`
	ProgressEvery int     `yaml:"progress_every" mapstructure:"progress_every"`
}

// HashConfig configures perceptual fingerprints.
type HashConfig struct {
	Size int `yaml:"size" mapstructure:"size"`
	// MaxDistance > 0 merges fingerprints within that Hamming distance.
	MaxDistance int `yaml:"max_distance" mapstructure:"max_distance"`
}

// AnthropicConfig holds Anthropic API settings for classification.
type AnthropicConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	Model      string `yaml:"model" mapstructure:"model"`
	MaxTokens  int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	RPM        int    `yaml:"rpm" mapstructure:"rpm"`
	MaxRetries int    `yaml:"max_retries" mapstructure:"max_retries"`
	CacheTTL   string `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// EventsConfig configures progress event publishing. An empty URL disables
// it.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url" mapstructure:"nats_url"`
	Subject       string `yaml:"subject" mapstructure:"subject"`
	MaxReconnects int    `yaml:"max_reconnects" mapstructure:"max_reconnects"`
}

// ServerConfig configures the HTTP host.
type ServerConfig struct {
	Port          int      `yaml:"port" mapstructure:"port"`
	UploadDir     string   `yaml:"upload_dir" mapstructure:"upload_dir"`
	MaxUploadMB   int64    `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
	AllowedOrigin []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	LockFile      string   `yaml:"lock_file" mapstructure:"lock_file"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// unsetKeys have no default value.
var unsetKeys = []string{
	"store.database_url",
	"images.minio.endpoint",
	"images.minio.access_key",
	"images.minio.secret_key",
	"images.minio.use_ssl",
	"images.minio.base_path",
	"queue.redis.password",
	"queue.redis.db",
	"anthropic.key",
	"events.nats_url",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FINSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "finscan.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("images.backend", "local")
	v.SetDefault("images.dir", "detected_images")
	v.SetDefault("images.minio.bucket", "finscan")
	v.SetDefault("images.minio.max_retries", 5)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.poll_secs", 1.0)
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.key", "finscan:tasks")
	v.SetDefault("detector.model_path", "models/yolov8n.onnx")
	v.SetDefault("detector.input_size", 640)
	v.SetDefault("detector.confidence", 0.5)
	v.SetDefault("detector.nms", 0.45)
	v.SetDefault("sampler.interval_secs", 0.5)
	v.SetDefault("sampler.progress_every", 10)
	v.SetDefault("hash.size", 8)
	v.SetDefault("hash.max_distance", 0)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("anthropic.rpm", 60)
	v.SetDefault("anthropic.max_retries", 2)
	v.SetDefault("anthropic.cache_ttl", "5m")
	v.SetDefault("events.subject", "finscan.progress")
	v.SetDefault("events.max_reconnects", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.upload_dir", "uploads")
	v.SetDefault("server.max_upload_mb", 1024)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.lock_file", "finscan.lock")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	// AutomaticEnv only resolves keys viper already knows, so keys without a
	// default are bound explicitly.
	for _, key := range unsetKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "run"
// (one-shot pipeline), "serve" (pipeline plus HTTP host), and "records"
// (database access only).
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}

	switch c.Images.Backend {
	case "local":
		if c.Images.Dir == "" {
			problems = append(problems, "images.dir is required for the local backend")
		}
	case "minio":
		if c.Images.MinIO.Endpoint == "" || c.Images.MinIO.Bucket == "" {
			problems = append(problems, "images.minio.endpoint and images.minio.bucket are required for the minio backend")
		}
	default:
		problems = append(problems, "images.backend must be local or minio")
	}

	switch mode {
	case "records":
	case "run", "serve":
		problems = append(problems, c.validatePipeline()...)
		if mode == "serve" && (c.Server.Port < 1 || c.Server.Port > 65535) {
			problems = append(problems, "server.port must be between 1 and 65535")
		}
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validatePipeline() []string {
	var problems []string
	if c.Anthropic.Key == "" {
		problems = append(problems, "anthropic.key is required")
	}
	if c.Anthropic.Model == "" {
		problems = append(problems, "anthropic.model is required")
	}
	if c.Anthropic.RPM < 0 {
		problems = append(problems, "anthropic.rpm must not be negative")
	}
	if c.Detector.ModelPath == "" {
		problems = append(problems, "detector.model_path is required")
	}
	if c.Detector.Confidence < 0 || c.Detector.Confidence > 1 {
		problems = append(problems, "detector.confidence must be between 0 and 1")
	}
	if c.Sampler.IntervalSecs <= 0 {
		problems = append(problems, "sampler.interval_secs must be positive")
	}
	if c.Hash.Size <= 0 || (c.Hash.Size*c.Hash.Size)%64 != 0 {
		problems = append(problems, "hash.size squared must be a multiple of 64")
	}
	if c.Hash.MaxDistance < 0 {
		problems = append(problems, "hash.max_distance must not be negative")
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.Redis.Addr == "" {
			problems = append(problems, "queue.redis.addr is required for the redis backend")
		}
	default:
		problems = append(problems, "queue.backend must be memory or redis")
	}
	return problems
}

// InitLogger initializes the global zap logger. Format "auto" picks the
// console encoder when stderr is a terminal and JSON otherwise.
func InitLogger(cfg LogConfig) error {
	format := cfg.Format
	if format == "" || format == "auto" {
		format = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			format = "console"
		}
	}

	var zapCfg zap.Config
	switch format {
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	case "json":
		zapCfg = zap.NewProductionConfig()
	default:
		return eris.Errorf("config: unknown log format %q", cfg.Format)
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
