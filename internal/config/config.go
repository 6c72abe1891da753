// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Source    SourceConfig    `mapstructure:"source"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Providers ProvidersConfig `mapstructure:"providers"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and the log threshold.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// QueueConfig governs the durable job queue.
type QueueConfig struct {
	Table                     string `mapstructure:"table"`
	Concurrency               int    `mapstructure:"concurrency"`
	ReservationTimeoutSeconds int    `mapstructure:"reservation_timeout_seconds"`
	RetryDelaySeconds         int    `mapstructure:"retry_delay_seconds"`
}

// SourceConfig holds source API endpoints and credentials.
type SourceConfig struct {
	BaseURL               string  `mapstructure:"base_url"`
	AuthURL               string  `mapstructure:"auth_url"`
	ClientID              string  `mapstructure:"client_id"`
	ClientSecret          string  `mapstructure:"client_secret"`
	Username              string  `mapstructure:"username"`
	Password              string  `mapstructure:"password"`
	UserAgent             string  `mapstructure:"user_agent"`
	PageSize              int     `mapstructure:"page_size"`
	RateLimitFloorSeconds int     `mapstructure:"rate_limit_floor_seconds"`
	ErrorBackoffSeconds   int     `mapstructure:"error_backoff_seconds"`
	MaxPageAttempts       int     `mapstructure:"max_page_attempts"`
	RequestsPerSecond     float64 `mapstructure:"requests_per_second"`
}

// EnrichConfig configures the classification sampler.
type EnrichConfig struct {
	Endpoint   string  `mapstructure:"endpoint"`
	Token      string  `mapstructure:"token"`
	SampleRate float64 `mapstructure:"sample_rate"`
	MaxRetries int     `mapstructure:"max_retries"`
	MaxTextLen int     `mapstructure:"max_text_len"`
}

// CrawlConfig governs coordinator scheduling.
type CrawlConfig struct {
	Units                   []string `mapstructure:"units"`
	PostLimit               int      `mapstructure:"post_limit"`
	DiscoverIntervalSeconds int      `mapstructure:"discover_interval_seconds"`
	EmptyIntervalSeconds    int      `mapstructure:"empty_interval_seconds"`
	ErrorIntervalSeconds    int      `mapstructure:"error_interval_seconds"`
	RedriveIntervalSeconds  int      `mapstructure:"redrive_interval_seconds"`
	MaxFetchAttempts        int      `mapstructure:"max_fetch_attempts"`
	RedriveBatch            int      `mapstructure:"redrive_batch"`
	BackfillBatch           int      `mapstructure:"backfill_batch"`
	CompletionTopic         string   `mapstructure:"completion_topic"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// ProvidersConfig selects concrete backends. The memory providers exist for
// local development only.
type ProvidersConfig struct {
	Storage   string `mapstructure:"storage"`
	Queue     string `mapstructure:"queue"`
	Publisher string `mapstructure:"publisher"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("THREADFALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("queue.table", "jobs")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.reservation_timeout_seconds", 120)
	v.SetDefault("queue.retry_delay_seconds", 60)
	v.SetDefault("source.user_agent", "threadfall/0.1")
	v.SetDefault("source.page_size", 100)
	v.SetDefault("source.rate_limit_floor_seconds", 10)
	v.SetDefault("source.error_backoff_seconds", 30)
	v.SetDefault("source.max_page_attempts", 3)
	v.SetDefault("source.requests_per_second", 1)
	v.SetDefault("enrich.sample_rate", 0.1)
	v.SetDefault("enrich.max_retries", 3)
	v.SetDefault("enrich.max_text_len", 1000)
	v.SetDefault("crawl.post_limit", 1000)
	v.SetDefault("crawl.discover_interval_seconds", 300)
	v.SetDefault("crawl.empty_interval_seconds", 300)
	v.SetDefault("crawl.error_interval_seconds", 900)
	v.SetDefault("crawl.redrive_interval_seconds", 300)
	v.SetDefault("crawl.max_fetch_attempts", 3)
	v.SetDefault("crawl.redrive_batch", 50)
	v.SetDefault("crawl.backfill_batch", 100)
	v.SetDefault("providers.storage", "postgres")
	v.SetDefault("providers.queue", "postgres")
	v.SetDefault("providers.publisher", "noop")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Providers.Storage == "postgres" || c.Providers.Queue == "postgres" {
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when a postgres provider is selected")
		}
	}
	switch c.Providers.Storage {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Providers.Storage)
	}
	switch c.Providers.Queue {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown queue provider: %s", c.Providers.Queue)
	}
	switch c.Providers.Publisher {
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when publisher is pubsub")
		}
		if c.Crawl.CompletionTopic == "" {
			return fmt.Errorf("crawl.completion_topic must be set when publisher is pubsub")
		}
	case "noop":
	default:
		return fmt.Errorf("unknown publisher provider: %s", c.Providers.Publisher)
	}
	if c.Source.BaseURL == "" || c.Source.AuthURL == "" {
		return fmt.Errorf("source.base_url and source.auth_url must be set")
	}
	if c.Source.ClientID == "" || c.Source.ClientSecret == "" {
		return fmt.Errorf("source.client_id and source.client_secret must be set")
	}
	if c.Source.Username == "" || c.Source.Password == "" {
		return fmt.Errorf("source.username and source.password must be set")
	}
	if c.Enrich.SampleRate < 0 || c.Enrich.SampleRate > 1 {
		return fmt.Errorf("enrich.sample_rate must be between 0 and 1")
	}
	if c.Enrich.SampleRate > 0 {
		if c.Enrich.Endpoint == "" || c.Enrich.Token == "" {
			return fmt.Errorf("enrich.endpoint and enrich.token must be set when sampling is enabled")
		}
	}
	if len(c.Crawl.Units) == 0 {
		return fmt.Errorf("crawl.units must list at least one source unit")
	}
	if c.Crawl.PostLimit < 0 {
		return fmt.Errorf("crawl.post_limit must be >= 0")
	}
	return nil
}

// DiscoverInterval returns the normal discovery cadence.
func (c CrawlConfig) DiscoverInterval() time.Duration {
	return time.Duration(c.DiscoverIntervalSeconds) * time.Second
}

// EmptyInterval returns the short retry cadence used when a sweep comes
// back empty.
func (c CrawlConfig) EmptyInterval() time.Duration {
	return time.Duration(c.EmptyIntervalSeconds) * time.Second
}

// ErrorInterval returns the backoff cadence used after a failed sweep.
func (c CrawlConfig) ErrorInterval() time.Duration {
	return time.Duration(c.ErrorIntervalSeconds) * time.Second
}

// RedriveInterval returns the cadence of the retry redrive loop.
func (c CrawlConfig) RedriveInterval() time.Duration {
	return time.Duration(c.RedriveIntervalSeconds) * time.Second
}
