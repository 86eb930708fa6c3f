package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" mapstructure:"embeddings"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Backfill   BackfillConfig   `yaml:"backfill" mapstructure:"backfill"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	MemGuard   MemGuardConfig   `yaml:"memguard" mapstructure:"memguard"`
	Match      MatchConfig      `yaml:"match" mapstructure:"match"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// EmbeddingsConfig holds embedding provider settings.
type EmbeddingsConfig struct {
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	Key        string `yaml:"key" mapstructure:"key"`
	Model      string `yaml:"model" mapstructure:"model"`
	Dimensions int    `yaml:"dimensions" mapstructure:"dimensions"`
	// PauseEvery throttles bulk embedding: after this many successful
	// updates the maintainer pauses before continuing.
	PauseEvery int `yaml:"pause_every" mapstructure:"pause_every"`
	PauseMs    int `yaml:"pause_ms" mapstructure:"pause_ms"`
}

// AnthropicConfig holds the arbitration model settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// BackfillConfig configures the embedding backfill driver.
type BackfillConfig struct {
	MegaBatch     int `yaml:"mega_batch" mapstructure:"mega_batch"`
	MaxRetries    int `yaml:"max_retries" mapstructure:"max_retries"`
	BaseBackoffMs int `yaml:"base_backoff_ms" mapstructure:"base_backoff_ms"`
	CooldownMs    int `yaml:"cooldown_ms" mapstructure:"cooldown_ms"`
}

// SchedulerConfig configures the continuous embedding scheduler.
type SchedulerConfig struct {
	BatchSize    int `yaml:"batch_size" mapstructure:"batch_size"`
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs"`
}

// MemGuardConfig sets the heap thresholds for adaptive batch sizing.
type MemGuardConfig struct {
	SoftMB int `yaml:"soft_mb" mapstructure:"soft_mb"`
	HardMB int `yaml:"hard_mb" mapstructure:"hard_mb"`
}

// MatchConfig configures the resolution cascade.
type MatchConfig struct {
	VectorFloor float64 `yaml:"vector_floor" mapstructure:"vector_floor"`
	AutoAccept  float64 `yaml:"auto_accept" mapstructure:"auto_accept"`
	ReviewFloor float64 `yaml:"review_floor" mapstructure:"review_floor"`
	TopK        int     `yaml:"top_k" mapstructure:"top_k"`
}

// ServerConfig configures the status/resolve HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("POINTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("embeddings.base_url", "https://api.openai.com/v1")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.dimensions", 1536)
	v.SetDefault("embeddings.pause_every", 10)
	v.SetDefault("embeddings.pause_ms", 500)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("backfill.mega_batch", 2000)
	v.SetDefault("backfill.max_retries", 3)
	v.SetDefault("backfill.base_backoff_ms", 2000)
	v.SetDefault("backfill.cooldown_ms", 1000)
	v.SetDefault("scheduler.batch_size", 75)
	v.SetDefault("scheduler.interval_secs", 60)
	v.SetDefault("memguard.soft_mb", 700)
	v.SetDefault("memguard.hard_mb", 900)
	v.SetDefault("match.vector_floor", 0.80)
	v.SetDefault("match.auto_accept", 0.90)
	v.SetDefault("match.review_floor", 0.75)
	v.SetDefault("match.top_k", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Dump renders the effective configuration as YAML with credentials
// blanked out.
func (c Config) Dump() (string, error) {
	redacted := c
	if redacted.Embeddings.Key != "" {
		redacted.Embeddings.Key = "<redacted>"
	}
	if redacted.Anthropic.Key != "" {
		redacted.Anthropic.Key = "<redacted>"
	}
	if redacted.Store.DatabaseURL != "" {
		redacted.Store.DatabaseURL = "<redacted>"
	}

	out, err := yaml.Marshal(redacted)
	if err != nil {
		return "", eris.Wrap(err, "config: marshal")
	}
	return string(out), nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
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
