package config

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

// Config is an immutable snapshot of the process configuration. It is loaded
// once at startup and replaced atomically on reload; callers must not retain
// mutable references into it.
type Config struct {
	DataDir           string `mapstructure:"data_dir"`
	UserAgent         string `mapstructure:"user_agent"`
	RequestsPerSecond int    `mapstructure:"requests_per_second"`

	Log      LogConfig      `mapstructure:"log"`
	API      APIConfig      `mapstructure:"api"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Feeds    FeedsConfig    `mapstructure:"feeds"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Parser   ParserConfig   `mapstructure:"parser"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Queue    QueueConfig    `mapstructure:"queue"`
	LLM      LLMConfig      `mapstructure:"llm"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
	// Ingest runs the pollers and queue workers inside the API process.
	// Single-binary deployments set this; larger ones run edgard separately.
	Ingest bool `mapstructure:"ingest"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// StorageConfig carries backend URIs per layer. All three default to the
// database URL; they are split so layers can be pointed at separate clusters.
type StorageConfig struct {
	Bronze string `mapstructure:"bronze"`
	Silver string `mapstructure:"silver"`
	Graph  string `mapstructure:"graph"`
}

type FeedsConfig struct {
	RSSInterval   time.Duration `mapstructure:"rss_interval"`
	DailyInterval time.Duration `mapstructure:"daily_interval"`
	FullInterval  time.Duration `mapstructure:"full_interval"`
	DedupeWindow  time.Duration `mapstructure:"dedupe_window"`
}

type ResolverConfig struct {
	FuzzyThreshold      float64  `mapstructure:"fuzzy_threshold"`
	FuzzyMargin         float64  `mapstructure:"fuzzy_margin"`
	ExchangePriority    []string `mapstructure:"exchange_priority"`
	SymbologyPrecedence string   `mapstructure:"symbology_precedence"`
}

type ParserConfig struct {
	Version         string `mapstructure:"version"`
	MaxSectionBytes int    `mapstructure:"max_section_bytes"`
}

type WorkerConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	DeadlineSeconds int           `mapstructure:"deadline_seconds"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
}

type QueueConfig struct {
	HighWater int `mapstructure:"high_water"`
}

type LLMConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ProviderURL string `mapstructure:"provider_url"`
	Model       string `mapstructure:"model"`
	APIKeyEnv   string `mapstructure:"api_key_env"`
}

// Deadline returns the per-task deadline as a duration.
func (w WorkerConfig) Deadline() time.Duration {
	return time.Duration(w.DeadlineSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("requests_per_second", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("feeds.rss_interval", time.Minute)
	v.SetDefault("feeds.daily_interval", 6*time.Hour)
	v.SetDefault("feeds.full_interval", 720*time.Hour)
	v.SetDefault("feeds.dedupe_window", 10*time.Minute)
	v.SetDefault("resolver.fuzzy_threshold", 0.82)
	v.SetDefault("resolver.fuzzy_margin", 0.05)
	v.SetDefault("resolver.exchange_priority", []string{"NYSE", "NASDAQ", "AMEX", "OTC"})
	v.SetDefault("resolver.symbology_precedence", "submissions")
	v.SetDefault("parser.version", "v1")
	v.SetDefault("parser.max_section_bytes", 1<<20)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.backoff_base", 2*time.Second)
	v.SetDefault("worker.deadline_seconds", 120)
	v.SetDefault("worker.metrics_addr", ":9090")
	v.SetDefault("queue.high_water", 1000)
	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.api_key_env", "PROVIDER_API_KEY")
}

// Load reads the configuration file at path (optional; empty means defaults
// plus environment only), applies EDGAR_-prefixed environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, eris.Wrapf(err, "config: read %s", path)
		}
	}

	v.SetEnvPrefix("EDGAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// storage URIs fall back to the shared database URL
	if cfg.Storage.Bronze == "" {
		cfg.Storage.Bronze = cfg.Database.URL
	}
	if cfg.Storage.Silver == "" {
		cfg.Storage.Silver = cfg.Database.URL
	}
	if cfg.Storage.Graph == "" {
		cfg.Storage.Graph = cfg.Database.URL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the core refuses to run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.UserAgent) == "" {
		return eris.New("config: user_agent is required (SEC fair-access policy)")
	}
	if c.RequestsPerSecond < 1 {
		return eris.New("config: requests_per_second must be >= 1")
	}
	if c.Resolver.FuzzyThreshold < 0 || c.Resolver.FuzzyThreshold > 1 {
		return eris.New("config: resolver.fuzzy_threshold must be in [0,1]")
	}
	if c.Resolver.FuzzyMargin < 0 {
		return eris.New("config: resolver.fuzzy_margin must be >= 0")
	}
	if c.Worker.MaxAttempts < 1 {
		return eris.New("config: worker.max_attempts must be >= 1")
	}
	if c.Worker.BackoffBase <= 0 {
		return eris.New("config: worker.backoff_base must be positive")
	}
	if c.Parser.MaxSectionBytes < 1024 {
		return eris.New("config: parser.max_section_bytes must be >= 1024")
	}
	return nil
}

var current atomic.Pointer[Config]

// Install makes cfg the process-wide snapshot.
func Install(cfg *Config) { current.Store(cfg) }

// Current returns the process-wide snapshot, or nil before Install.
func Current() *Config { return current.Load() }
