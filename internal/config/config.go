// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/spider-pipeline/internal/spidermw/builtins"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Spider    SpiderConfig    `mapstructure:"spider"`
	HTTPError HTTPErrorConfig `mapstructure:"httperror"`
	// SpiderMiddlewares overrides built-in priorities by name. A negative
	// priority disables the middleware.
	SpiderMiddlewares   map[string]int  `mapstructure:"spider_middlewares"`
	DisabledMiddlewares []string        `mapstructure:"disabled_middlewares"`
	Storage             StorageConfig   `mapstructure:"storage"`
	PubSub              PubSubConfig    `mapstructure:"pubsub"`
	GCP                 GCPConfig       `mapstructure:"gcp"`
	Database            DatabaseConfig  `mapstructure:"database"`
	Progress            ProgressConfig  `mapstructure:"progress"`
	Telemetry           TelemetryConfig `mapstructure:"telemetry"`
	Logging             LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the engine, transport and scheduling.
type CrawlerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	UserAgent      string        `mapstructure:"user_agent"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRequests    int           `mapstructure:"max_requests"`
	MaxDepth       int           `mapstructure:"max_depth"`
	DepthPriority  int           `mapstructure:"depth_priority"`
	AllowedDomains []string      `mapstructure:"allowed_domains"`
	MaxURLLength   int           `mapstructure:"max_url_length"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	PerSiteRPS     float64       `mapstructure:"per_site_rps"`
	PerSiteBurst   int           `mapstructure:"per_site_burst"`
	// Seeds are crawled by `crawl` when no URLs are given on the command line.
	Seeds []string `mapstructure:"seeds"`
}

// SpiderConfig tunes the link-following spider.
type SpiderConfig struct {
	FollowLinks     bool `mapstructure:"follow_links"`
	MaxLinksPerPage int  `mapstructure:"max_links_per_page"`
}

// HTTPErrorConfig lists non-2xx statuses that still reach callbacks.
type HTTPErrorConfig struct {
	AllowedCodes []int `mapstructure:"allowed_codes"`
	AllowAll     bool  `mapstructure:"allow_all"`
}

// StorageConfig selects the item blob store.
type StorageConfig struct {
	// Backend is one of memory, local or gcs.
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem blob store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for item notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// EmulatorHost points the client at a local emulator over plaintext gRPC.
	EmulatorHost string `mapstructure:"emulator_host"`
}

// GCPConfig holds client options shared by the Google Cloud clients.
type GCPConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
}

// DatabaseConfig controls access to Postgres. An empty DSN disables it.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ItemTable       string        `mapstructure:"item_table"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// ProgressConfig configures the event hub and its sinks.
type ProgressConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	LogEnabled        bool          `mapstructure:"log_enabled"`
	PrometheusEnabled bool          `mapstructure:"prometheus_enabled"`
	BufferSize        int           `mapstructure:"buffer_size"`
	BatchMaxEvents    int           `mapstructure:"batch_max_events"`
	BatchMaxWait      time.Duration `mapstructure:"batch_max_wait"`
	SinkTimeout       time.Duration `mapstructure:"sink_timeout"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. Environment variables use the
// SPIDER_ prefix with dots replaced by underscores, e.g. SPIDER_SERVER_PORT.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPIDER")
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
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.user_agent", "spider-pipeline/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.request_timeout", 15*time.Second)
	v.SetDefault("crawler.max_requests", 100)
	v.SetDefault("crawler.max_depth", 2)
	v.SetDefault("crawler.depth_priority", 1)
	v.SetDefault("crawler.max_url_length", 2083)
	v.SetDefault("crawler.queue_capacity", 0)
	v.SetDefault("crawler.per_site_rps", 1.0)
	v.SetDefault("crawler.per_site_burst", 2)
	v.SetDefault("spider.follow_links", true)
	v.SetDefault("spider.max_links_per_page", 200)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "items")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.item_table", "spider_items")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch_max_events", 500)
	v.SetDefault("progress.batch_max_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)
	v.SetDefault("telemetry.service_name", "spider-pipeline")
	v.SetDefault("telemetry.sample_ratio", 0.1)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Crawler.Concurrency <= 0 {
		errs = append(errs, errors.New("crawler.concurrency must be > 0"))
	}
	if c.Crawler.RequestTimeout <= 0 {
		errs = append(errs, errors.New("crawler.request_timeout must be > 0"))
	}
	if c.Crawler.MaxRequests < 0 || c.Crawler.MaxDepth < 0 || c.Crawler.MaxURLLength < 0 || c.Crawler.QueueCapacity < 0 {
		errs = append(errs, errors.New("crawler limits must be >= 0"))
	}
	for name := range c.SpiderMiddlewares {
		if _, ok := builtins.DefaultPriorities()[name]; !ok {
			errs = append(errs, fmt.Errorf("spider_middlewares: unknown middleware %q", name))
		}
	}
	for _, code := range c.HTTPError.AllowedCodes {
		if code < 100 || code > 599 {
			errs = append(errs, fmt.Errorf("httperror.allowed_codes: invalid status %d", code))
		}
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			errs = append(errs, errors.New("storage.local.base_dir must be set for the local backend"))
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket must be set for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be memory, local or gcs", c.Storage.Backend))
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id must be set when pubsub.topic_name is"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// MiddlewarePriorities returns the effective chain mapping.
func (c Config) MiddlewarePriorities() map[string]int {
	return builtins.Priorities(c.SpiderMiddlewares, c.DisabledMiddlewares)
}

// Builtins returns the settings read by the built-in middlewares.
func (c Config) Builtins() builtins.Config {
	return builtins.Config{
		AllowedDomains:    slices.Clone(c.Crawler.AllowedDomains),
		MaxURLLength:      c.Crawler.MaxURLLength,
		MaxDepth:          c.Crawler.MaxDepth,
		DepthPriority:     c.Crawler.DepthPriority,
		HTTPErrorAllowed:  slices.Clone(c.HTTPError.AllowedCodes),
		HTTPErrorAllowAll: c.HTTPError.AllowAll,
	}
}
