// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Backend names accepted by the selectable components.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNone     = "none"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Redis     RedisConfig     `mapstructure:"redis"`
	KeyStore  KeyStoreConfig  `mapstructure:"keystore"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int    `mapstructure:"port"`
	Environment            string `mapstructure:"environment"`
	ReadTimeoutSeconds     int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `mapstructure:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
	RequestTimeoutSeconds  int    `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Required bool `mapstructure:"required"`
	// AdminToken enables the admin routes when non-empty.
	AdminToken     string `mapstructure:"admin_token"`
	OriginQuota    int    `mapstructure:"origin_quota"`
	TouchTimeoutMs int    `mapstructure:"touch_timeout_ms"`
}

// RateLimitConfig selects where request windows are counted.
type RateLimitConfig struct {
	Backend       string `mapstructure:"backend"`
	WindowSeconds int    `mapstructure:"window_seconds"`
}

// CacheConfig controls the article cache.
type CacheConfig struct {
	Backend                  string `mapstructure:"backend"`
	TTLSeconds               int    `mapstructure:"ttl_seconds"`
	PopulationTimeoutSeconds int    `mapstructure:"population_timeout_seconds"`
	// SweepSchedule is a cron spec for purging expired in-memory entries.
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// UpstreamConfig configures fetching from the content site.
type UpstreamConfig struct {
	BaseURL          string  `mapstructure:"base_url"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	UserAgent        string  `mapstructure:"user_agent"`
	RespectRobots    bool    `mapstructure:"respect_robots"`
	RPS              float64 `mapstructure:"rps"`
	Burst            int     `mapstructure:"burst"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int     `mapstructure:"max_body_bytes"`
	MinSummaryChars  int     `mapstructure:"min_summary_chars"`
}

// HeadlessConfig configures the headless rendering fetcher.
// In auto mode pages are fetched statically and only rendered when they look
// like an unrendered shell; in always mode every page is rendered.
type HeadlessConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Mode             string `mapstructure:"mode"`
	PromoteThreshold int    `mapstructure:"promote_threshold"`
	MaxParallel      int    `mapstructure:"max_parallel"`
	NavTimeoutSec    int    `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs    int    `mapstructure:"settle_delay_ms"`
}

// Headless modes.
const (
	HeadlessAuto   = "auto"
	HeadlessAlways = "always"
)

// RedisConfig addresses the shared Redis used by the redis backends.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// KeyStoreConfig selects where API keys are persisted.
type KeyStoreConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ArchiveConfig selects where unparseable pages are kept.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// EventsConfig selects where article lifecycle events are published.
type EventsConfig struct {
	Backend               string `mapstructure:"backend"`
	ProjectID             string `mapstructure:"project_id"`
	Topic                 string `mapstructure:"topic"`
	PublishTimeoutSeconds int    `mapstructure:"publish_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GROKAPI")
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
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 120)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("server.request_timeout_seconds", 100)
	v.SetDefault("auth.required", false)
	v.SetDefault("auth.admin_token", "")
	v.SetDefault("auth.origin_quota", 10)
	v.SetDefault("auth.touch_timeout_ms", 2000)
	v.SetDefault("ratelimit.backend", BackendMemory)
	v.SetDefault("ratelimit.window_seconds", 60)
	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("cache.population_timeout_seconds", 90)
	v.SetDefault("cache.sweep_schedule", "@every 5m")
	v.SetDefault("upstream.base_url", "https://grokipedia.com")
	v.SetDefault("upstream.timeout_seconds", 30)
	v.SetDefault("upstream.user_agent", "Mozilla/5.0 (compatible; grokapi/1.0)")
	v.SetDefault("upstream.respect_robots", true)
	v.SetDefault("upstream.rps", 2.0)
	v.SetDefault("upstream.burst", 2)
	v.SetDefault("upstream.max_retries", 1)
	v.SetDefault("upstream.backoff_initial_ms", 250)
	v.SetDefault("upstream.backoff_max_ms", 2000)
	v.SetDefault("upstream.max_body_bytes", 8<<20)
	v.SetDefault("upstream.min_summary_chars", 200)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.mode", HeadlessAuto)
	v.SetDefault("headless.promote_threshold", 2048)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.settle_delay_ms", 500)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "grokapi")
	v.SetDefault("keystore.driver", BackendSQLite)
	v.SetDefault("keystore.path", "grokipedia_api.db")
	v.SetDefault("keystore.dsn", "")
	v.SetDefault("keystore.table", "api_keys")
	v.SetDefault("keystore.max_conns", 4)
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.base_dir", "archive")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "grokapi")
	v.SetDefault("events.backend", BackendNone)
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic", "grokapi-events")
	v.SetDefault("events.publish_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("server.request_timeout_seconds must be >= 0")
	}
	if c.Auth.OriginQuota <= 0 {
		return fmt.Errorf("auth.origin_quota must be > 0")
	}
	if err := oneOf("ratelimit.backend", c.RateLimit.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("ratelimit.window_seconds must be > 0")
	}
	if err := oneOf("cache.backend", c.Cache.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	if c.Cache.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Cache.SweepSchedule); err != nil {
			return fmt.Errorf("cache.sweep_schedule: %w", err)
		}
	}
	if (c.RateLimit.Backend == BackendRedis || c.Cache.Backend == BackendRedis) && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when a redis backend is selected")
	}
	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("upstream.base_url must be an absolute http(s) URL")
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.timeout_seconds must be > 0")
	}
	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream.max_retries must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Headless.Enabled {
		if err := oneOf("headless.mode", c.Headless.Mode, HeadlessAuto, HeadlessAlways); err != nil {
			return err
		}
	}
	if err := oneOf("keystore.driver", c.KeyStore.Driver, BackendMemory, BackendSQLite, BackendPostgres); err != nil {
		return err
	}
	if c.KeyStore.Driver == BackendSQLite && c.KeyStore.Path == "" {
		return fmt.Errorf("keystore.path must be set for the sqlite driver")
	}
	if c.KeyStore.Driver == BackendPostgres && c.KeyStore.DSN == "" {
		return fmt.Errorf("keystore.dsn must be set for the postgres driver")
	}
	if err := oneOf("archive.backend", c.Archive.Backend, BackendNone, BackendMemory, BackendLocal, BackendGCS); err != nil {
		return err
	}
	if c.Archive.Backend == BackendLocal && c.Archive.BaseDir == "" {
		return fmt.Errorf("archive.base_dir must be set for the local archive")
	}
	if c.Archive.Backend == BackendGCS && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket must be set for the gcs archive")
	}
	if err := oneOf("events.backend", c.Events.Backend, BackendNone, BackendMemory, BackendPubSub); err != nil {
		return err
	}
	if c.Events.Backend == BackendPubSub && (c.Events.ProjectID == "" || c.Events.Topic == "") {
		return fmt.Errorf("events.project_id and events.topic must be set for the pubsub backend")
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Addr is the listen address.
func (c ServerConfig) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// ReadTimeout converts the configured seconds.
func (c ServerConfig) ReadTimeout() time.Duration { return seconds(c.ReadTimeoutSeconds) }

// WriteTimeout converts the configured seconds.
func (c ServerConfig) WriteTimeout() time.Duration { return seconds(c.WriteTimeoutSeconds) }

// ShutdownTimeout converts the configured seconds.
func (c ServerConfig) ShutdownTimeout() time.Duration { return seconds(c.ShutdownTimeoutSeconds) }

// RequestTimeout bounds article and stats handlers; zero disables it.
func (c ServerConfig) RequestTimeout() time.Duration { return seconds(c.RequestTimeoutSeconds) }

// TouchTimeout bounds the last-used update on each authenticated request.
func (c AuthConfig) TouchTimeout() time.Duration { return millis(c.TouchTimeoutMs) }

// Window is the rate window period.
func (c RateLimitConfig) Window() time.Duration { return seconds(c.WindowSeconds) }

// TTL is how long an article stays fresh.
func (c CacheConfig) TTL() time.Duration { return seconds(c.TTLSeconds) }

// PopulationTimeout bounds one detached upstream population.
func (c CacheConfig) PopulationTimeout() time.Duration { return seconds(c.PopulationTimeoutSeconds) }

// Timeout bounds one upstream fetch.
func (c UpstreamConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// BackoffInitial is the first retry delay.
func (c UpstreamConfig) BackoffInitial() time.Duration { return millis(c.BackoffInitialMs) }

// BackoffMax caps the retry delay.
func (c UpstreamConfig) BackoffMax() time.Duration { return millis(c.BackoffMaxMs) }

// NavTimeout bounds one headless navigation.
func (c HeadlessConfig) NavTimeout() time.Duration { return seconds(c.NavTimeoutSec) }

// SettleDelay is the wait after the page body is ready.
func (c HeadlessConfig) SettleDelay() time.Duration { return millis(c.SettleDelayMs) }

// PublishTimeout bounds one event publish.
func (c EventsConfig) PublishTimeout() time.Duration { return seconds(c.PublishTimeoutSeconds) }
