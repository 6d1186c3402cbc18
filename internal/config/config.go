// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dhkim0920/termharvest/internal/credential"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	DB          DBConfig          `mapstructure:"db"`
	Store       StoreConfig       `mapstructure:"store"`
	NaverAPI    NaverAPIConfig    `mapstructure:"naver_api"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Publisher   PublisherConfig   `mapstructure:"publisher"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Denylist    []string          `mapstructure:"denylist"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int    `mapstructure:"max_conns"`
	MinConns           int    `mapstructure:"min_conns"`
	ConnLifetimeSec    int    `mapstructure:"conn_lifetime_seconds"`
	TransitionChunk    int    `mapstructure:"transition_chunk"`
	UpsertChunk        int    `mapstructure:"upsert_chunk"`
	StatementTimeoutMs int    `mapstructure:"statement_timeout_ms"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Provider string `mapstructure:"provider"` // postgres or memory
}

// NaverAPIConfig configures the external API client.
type NaverAPIConfig struct {
	SearchAdBaseURL  string  `mapstructure:"searchad_base_url"`
	OpenAPIBaseURL   string  `mapstructure:"openapi_base_url"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxAttempts      int     `mapstructure:"max_attempts"`
	RequestsPerSec   float64 `mapstructure:"requests_per_sec"`
	Burst            int     `mapstructure:"burst"`
	CooldownSeconds  int     `mapstructure:"cooldown_seconds"`
	DocFanout        int     `mapstructure:"doc_fanout"`
}

// CredentialsConfig carries the two credential pools. SearchAd keys sign
// related-term lookups; OpenAPI keys authorize document-count lookups.
type CredentialsConfig struct {
	SearchAd []credential.Credential `mapstructure:"searchad"`
	OpenAPI  []credential.Credential `mapstructure:"openapi"`
}

// BatchConfig governs batch-run orchestration behavior.
type BatchConfig struct {
	LaneMultiplier    int `mapstructure:"lane_multiplier"`
	MaxLanes          int `mapstructure:"max_lanes"`
	MaxRunSeconds     int `mapstructure:"max_run_seconds"`
	StartMarginSec    int `mapstructure:"start_margin_seconds"`
	LaneStaggerMs     int `mapstructure:"lane_stagger_ms"`
	JitterMinMs       int `mapstructure:"jitter_min_ms"`
	JitterMaxMs       int `mapstructure:"jitter_max_ms"`
	ExpandTopClaim    int `mapstructure:"expand_top_claim"`
	ExpandRandomClaim int `mapstructure:"expand_random_claim"`
	DocFillClaim      int `mapstructure:"doc_fill_claim"`
	MinVolume         int `mapstructure:"min_volume"`
	DocFetchLimit     int `mapstructure:"doc_fetch_limit"`
	MaxCandidates     int `mapstructure:"max_candidates"`
	GraceWindowMin    int `mapstructure:"grace_window_minutes"`
	SeedFanout        int `mapstructure:"seed_fanout"`
}

// SchedulerConfig tunes the continuous-mode loop.
type SchedulerConfig struct {
	RestSeconds    int `mapstructure:"rest_seconds"`
	PollSeconds    int `mapstructure:"poll_seconds"`
	BackoffSeconds int `mapstructure:"backoff_seconds"`
}

// PublisherConfig selects where run summaries are published.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"` // pubsub, memory or noop
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// CacheConfig tunes the membership cache bootstrap.
type CacheConfig struct {
	PageSize int `mapstructure:"page_size"`
}

// LoggingConfig controls the zap logger mode and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TERMHARVEST")
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
	v.SetDefault("server.timeout_seconds", 120)
	v.SetDefault("store.provider", "postgres")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_seconds", 1800)
	v.SetDefault("db.transition_chunk", 200)
	v.SetDefault("db.upsert_chunk", 500)
	v.SetDefault("db.statement_timeout_ms", 30000)
	v.SetDefault("naver_api.searchad_base_url", "https://api.searchad.naver.com")
	v.SetDefault("naver_api.openapi_base_url", "https://openapi.naver.com")
	v.SetDefault("naver_api.timeout_seconds", 10)
	v.SetDefault("naver_api.max_attempts", 3)
	v.SetDefault("naver_api.requests_per_sec", 2.0)
	v.SetDefault("naver_api.burst", 1)
	v.SetDefault("naver_api.cooldown_seconds", 60)
	v.SetDefault("naver_api.doc_fanout", 5)
	v.SetDefault("batch.lane_multiplier", 2)
	v.SetDefault("batch.max_lanes", 8)
	v.SetDefault("batch.max_run_seconds", 110)
	v.SetDefault("batch.start_margin_seconds", 10)
	v.SetDefault("batch.lane_stagger_ms", 700)
	v.SetDefault("batch.jitter_min_ms", 200)
	v.SetDefault("batch.jitter_max_ms", 600)
	v.SetDefault("batch.expand_top_claim", 20)
	v.SetDefault("batch.expand_random_claim", 10)
	v.SetDefault("batch.doc_fill_claim", 300)
	v.SetDefault("batch.min_volume", 50)
	v.SetDefault("batch.grace_window_minutes", 60)
	v.SetDefault("batch.seed_fanout", 3)
	v.SetDefault("scheduler.rest_seconds", 5)
	v.SetDefault("scheduler.poll_seconds", 30)
	v.SetDefault("scheduler.backoff_seconds", 120)
	v.SetDefault("publisher.provider", "noop")
	v.SetDefault("publisher.topic", "harvest-runs")
	v.SetDefault("cache.page_size", 5000)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Provider {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when store.provider is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("store.provider must be postgres or memory")
	}
	if c.NaverAPI.TimeoutSeconds <= 0 {
		return fmt.Errorf("naver_api.timeout_seconds must be > 0")
	}
	if c.NaverAPI.MaxAttempts <= 0 {
		return fmt.Errorf("naver_api.max_attempts must be > 0")
	}
	if c.Batch.MaxRunSeconds <= c.Batch.StartMarginSec {
		return fmt.Errorf("batch.max_run_seconds must exceed batch.start_margin_seconds")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Publisher.Provider {
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set when provider is pubsub")
		}
	case "memory", "noop":
	default:
		return fmt.Errorf("publisher.provider must be pubsub, memory or noop")
	}
	return nil
}

// APITimeout converts the configured client timeout into a duration.
func (c Config) APITimeout() time.Duration {
	return time.Duration(c.NaverAPI.TimeoutSeconds) * time.Second
}

// Cooldown converts the credential cooldown into a duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.NaverAPI.CooldownSeconds) * time.Second
}

// GraceWindow converts the reclaim grace window into a duration.
func (c Config) GraceWindow() time.Duration {
	return time.Duration(c.Batch.GraceWindowMin) * time.Minute
}

// ServerTimeout converts the HTTP request timeout into a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
