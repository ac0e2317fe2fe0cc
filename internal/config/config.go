// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/IINGS/Crawler/internal/crawler"
	"github.com/IINGS/Crawler/internal/extract"
)

// EnvPrefix prefixes every environment override, e.g. BIZCRAWL_SINK_WEBHOOK_URL.
const EnvPrefix = "BIZCRAWL"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	State      StateConfig      `mapstructure:"state"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Sink       SinkConfig       `mapstructure:"sink"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Enrich     EnrichConfig     `mapstructure:"enrich"`
	Sources    []SourceConfig   `mapstructure:"sources" validate:"dive"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// APIKey, when set, is required on every request as X-API-Key.
	APIKey string `mapstructure:"api_key"`
}

// StateConfig selects the checkpoint and seen-set backend.
type StateConfig struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	DSN         string `mapstructure:"dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// DeliveryConfig tunes batching and retries.
type DeliveryConfig struct {
	BatchSize   int           `mapstructure:"batch_size"`
	IdleWait    time.Duration `mapstructure:"idle_wait"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	LinearStep  time.Duration `mapstructure:"linear_step"`
}

// SinkConfig selects where batches are delivered.
type SinkConfig struct {
	Backend string        `mapstructure:"backend"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
}

// WebhookConfig configures the HTTP sink.
type WebhookConfig struct {
	URL      string        `mapstructure:"url"`
	Envelope string        `mapstructure:"envelope"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PubSubConfig holds metadata for the Pub/Sub sink.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// DeadLetterConfig selects the archive for undeliverable batches.
type DeadLetterConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// HTTPConfig configures the page fetcher.
type HTTPConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	UserAgents    []string      `mapstructure:"user_agents"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	RPS           float64       `mapstructure:"rps"`
	Burst         int           `mapstructure:"burst"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
}

// CrawlConfig governs the driver and runner.
type CrawlConfig struct {
	MaxParallelGroups int           `mapstructure:"max_parallel_groups"`
	EnrichConcurrency int           `mapstructure:"enrich_concurrency"`
	PageDelay         time.Duration `mapstructure:"page_delay"`
}

// EnrichConfig toggles homepage contact mining.
type EnrichConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// SourceConfig declares one crawl group.
type SourceConfig struct {
	Group     string                  `mapstructure:"group" validate:"required,groupname"`
	Name      string                  `mapstructure:"name" validate:"required"`
	Site      string                  `mapstructure:"site"`
	Kind      crawler.SourceKind      `mapstructure:"kind" validate:"required,oneof=page skip file"`
	URL       string                  `mapstructure:"url" validate:"omitempty,url"`
	Method    string                  `mapstructure:"method" validate:"omitempty,oneof=GET POST"`
	Form      []FormField             `mapstructure:"form" validate:"dive"`
	Headers   map[string]string       `mapstructure:"headers"`
	Headless  bool                    `mapstructure:"headless"`
	Actions   []crawler.BrowserAction `mapstructure:"actions"`
	StartPage int                     `mapstructure:"start_page" validate:"gte=0"`
	MaxPage   int                     `mapstructure:"max_page" validate:"gte=0"`
	PageSize  int                     `mapstructure:"page_size" validate:"gte=0"`
	// PageDelay overrides crawl.page_delay when set.
	PageDelay time.Duration `mapstructure:"page_delay"`
	RPS       float64       `mapstructure:"rps" validate:"gte=0"`
	Burst     int           `mapstructure:"burst" validate:"gte=0"`
	Dir       string        `mapstructure:"dir"`
	Pattern   string        `mapstructure:"pattern"`
	// Schedule is a standard cron expression used by serve.
	Schedule   string        `mapstructure:"schedule"`
	Extraction extract.Rules `mapstructure:"extraction"`
}

// FormField is one POST form value. Forms are lists because Viper lowercases
// map keys and form names are case-sensitive.
type FormField struct {
	Name  string `mapstructure:"name" validate:"required"`
	Value string `mapstructure:"value"`
}

// FormValues flattens the form into a map.
func (s SourceConfig) FormValues() map[string]string {
	if len(s.Form) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.Form))
	for _, f := range s.Form {
		out[f.Name] = f.Value
	}
	return out
}

// Load builds a Config from .env, disk and environment, in increasing precedence.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	for i := range cfg.Sources {
		cfg.Sources[i].Method = strings.ToUpper(cfg.Sources[i].Method)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "60s")
	v.SetDefault("server.api_key", "")
	v.SetDefault("state.backend", "sqlite")
	v.SetDefault("state.dir", "state")
	v.SetDefault("state.dsn", "")
	v.SetDefault("state.table_prefix", "crawl")
	v.SetDefault("state.max_conns", 4)
	v.SetDefault("delivery.batch_size", 150)
	v.SetDefault("delivery.idle_wait", "100ms")
	v.SetDefault("delivery.send_timeout", "45s")
	v.SetDefault("delivery.max_retries", 10)
	v.SetDefault("delivery.backoff_base", "1s")
	v.SetDefault("delivery.backoff_max", "60s")
	v.SetDefault("delivery.linear_step", "3s")
	v.SetDefault("sink.backend", "webhook")
	v.SetDefault("sink.webhook.url", "")
	v.SetDefault("sink.webhook.envelope", "data")
	v.SetDefault("sink.webhook.timeout", "45s")
	v.SetDefault("sink.pubsub.project_id", "")
	v.SetDefault("sink.pubsub.topic", "")
	v.SetDefault("dead_letter.backend", "none")
	v.SetDefault("dead_letter.dir", "dead-letter")
	v.SetDefault("dead_letter.bucket", "")
	v.SetDefault("dead_letter.prefix", "dead-letter")
	v.SetDefault("http.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.rps", 2)
	v.SetDefault("http.burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("crawl.max_parallel_groups", 5)
	v.SetDefault("crawl.enrich_concurrency", 8)
	v.SetDefault("crawl.page_delay", "1s")
	v.SetDefault("enrich.enabled", true)
}

var groupName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("groupname", func(fl validator.FieldLevel) bool {
		return groupName.MatchString(fl.Field().String())
	})
	return v
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.State.Backend {
	case "sqlite", "memory":
	case "postgres":
		if c.State.DSN == "" {
			return fmt.Errorf("state.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("state.backend %q is not one of sqlite, postgres, memory", c.State.Backend)
	}
	switch c.Sink.Backend {
	case "webhook", "memory":
	case "pubsub":
		if c.Sink.PubSub.ProjectID == "" || c.Sink.PubSub.Topic == "" {
			return fmt.Errorf("sink.pubsub.project_id and sink.pubsub.topic must be set for the pubsub sink")
		}
	default:
		return fmt.Errorf("sink.backend %q is not one of webhook, pubsub, memory", c.Sink.Backend)
	}
	switch c.DeadLetter.Backend {
	case "", "none", "memory", "local":
	case "gcs":
		if c.DeadLetter.Bucket == "" {
			return fmt.Errorf("dead_letter.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("dead_letter.backend %q is not one of none, local, gcs, memory", c.DeadLetter.Backend)
	}
	if c.Delivery.BatchSize <= 0 {
		return fmt.Errorf("delivery.batch_size must be > 0")
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries must be >= 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Crawl.MaxParallelGroups <= 0 {
		return fmt.Errorf("crawl.max_parallel_groups must be > 0")
	}
	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	return c.validateSources()
}

func (c Config) validateSources() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if _, dup := seen[s.Group]; dup {
			return fmt.Errorf("sources: duplicate group %q", s.Group)
		}
		seen[s.Group] = struct{}{}

		switch s.Kind {
		case crawler.KindPage, crawler.KindSkip:
			if s.URL == "" {
				return fmt.Errorf("source %s: url is required for %s sources", s.Group, s.Kind)
			}
			placeholder := "{" + string(s.Kind) + "}"
			if !s.mentions(placeholder) {
				return fmt.Errorf("source %s: url, form or actions must contain %s", s.Group, placeholder)
			}
			if s.Kind == crawler.KindSkip && s.PageSize <= 0 {
				return fmt.Errorf("source %s: page_size must be > 0 for skip sources", s.Group)
			}
			if (s.Headless || len(s.Actions) > 0) && !c.Headless.Enabled {
				return fmt.Errorf("source %s: needs headless.enabled", s.Group)
			}
		case crawler.KindFile:
			if s.Dir == "" {
				return fmt.Errorf("source %s: dir is required for file sources", s.Group)
			}
		}
		if len(s.Extraction.Fields) == 0 {
			return fmt.Errorf("source %s: extraction.fields is empty", s.Group)
		}
		if s.Schedule != "" {
			if _, err := cron.ParseStandard(s.Schedule); err != nil {
				return fmt.Errorf("source %s: schedule: %w", s.Group, err)
			}
		}
	}
	return nil
}

func (s SourceConfig) mentions(placeholder string) bool {
	if strings.Contains(s.URL, placeholder) {
		return true
	}
	for _, f := range s.Form {
		if strings.Contains(f.Value, placeholder) {
			return true
		}
	}
	for _, a := range s.Actions {
		if strings.Contains(a.Selector, placeholder) || strings.Contains(a.Value, placeholder) {
			return true
		}
	}
	return false
}

// Source returns the source declared for group.
func (c Config) Source(group string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Group == group {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// EffectivePageDelay resolves the per-source override against the crawl default.
func (c Config) EffectivePageDelay(s SourceConfig) time.Duration {
	if s.PageDelay > 0 {
		return s.PageDelay
	}
	return c.Crawl.PageDelay
}
