package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for linkgate
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	State    StateConfig    `yaml:"state"`
	Classify ClassifyConfig `yaml:"classify"`
	Engine   EngineConfig   `yaml:"engine"`
	Auth     AuthConfig     `yaml:"auth"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	Host         string        `yaml:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite3
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

// StateConfig selects the backing store for rate-limit counters
// and the repeat-click seen-set.
type StateConfig struct {
	Backend       string        `yaml:"backend"` // memory or redis
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	DedupeHorizon time.Duration `yaml:"dedupe_horizon"`
}

type ClassifyConfig struct {
	// GeoEndpoint is an ip-api.com compatible JSON lookup endpoint.
	GeoEndpoint string        `yaml:"geo_endpoint"`
	GeoTimeout  time.Duration `yaml:"geo_timeout"`
	GeoCacheTTL time.Duration `yaml:"geo_cache_ttl"`

	// Signature data files (bot UA patterns, datacenter CIDRs).
	BotSignaturesPath string `yaml:"bot_signatures_path"`
	IPRangesPath      string `yaml:"ip_ranges_path"`

	BotScoreThreshold float64 `yaml:"bot_score_threshold"`
}

type EngineConfig struct {
	// LookupFallback decides what a geo or MX lookup timeout means:
	// "fail_open" treats it as a pass, "fail_closed" as a block.
	LookupFallback string `yaml:"lookup_fallback"`

	SignatureSecret string        `yaml:"signature_secret"`
	SignatureTTL    time.Duration `yaml:"signature_ttl"`

	MXTimeout time.Duration `yaml:"mx_timeout"`

	// Defaults applied when a policy enables rate limiting without
	// overriding window or max.
	RateWindow time.Duration `yaml:"rate_window"`
	RateMax    int64         `yaml:"rate_max"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenExpiry   time.Duration `yaml:"token_expiry"`
	AdminUsername string        `yaml:"admin_username"`
	AdminPassword string        `yaml:"admin_password"`
}

type WebhooksConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}

	// Database defaults
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "./data/linkgate.db"
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}

	// State defaults
	if cfg.State.Backend == "" {
		cfg.State.Backend = "memory"
	}
	if cfg.State.RedisAddr == "" {
		cfg.State.RedisAddr = "localhost:6379"
	}
	if cfg.State.DedupeHorizon == 0 {
		cfg.State.DedupeHorizon = 30 * 24 * time.Hour
	}

	// Classifier defaults
	if cfg.Classify.GeoEndpoint == "" {
		cfg.Classify.GeoEndpoint = "http://ip-api.com/json"
	}
	if cfg.Classify.GeoTimeout == 0 {
		cfg.Classify.GeoTimeout = 2 * time.Second
	}
	if cfg.Classify.GeoCacheTTL == 0 {
		cfg.Classify.GeoCacheTTL = 24 * time.Hour
	}
	if cfg.Classify.BotSignaturesPath == "" {
		cfg.Classify.BotSignaturesPath = "data/bot_signatures.json"
	}
	if cfg.Classify.IPRangesPath == "" {
		cfg.Classify.IPRangesPath = "data/ip_ranges.json"
	}
	if cfg.Classify.BotScoreThreshold == 0 {
		cfg.Classify.BotScoreThreshold = 0.7
	}

	// Engine defaults
	if cfg.Engine.LookupFallback == "" {
		cfg.Engine.LookupFallback = "fail_open"
	}
	if cfg.Engine.SignatureTTL == 0 {
		cfg.Engine.SignatureTTL = 15 * time.Minute
	}
	if cfg.Engine.MXTimeout == 0 {
		cfg.Engine.MXTimeout = 3 * time.Second
	}
	if cfg.Engine.RateWindow == 0 {
		cfg.Engine.RateWindow = time.Minute
	}
	if cfg.Engine.RateMax == 0 {
		cfg.Engine.RateMax = 60
	}

	// Auth defaults
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "change-this-secret-in-production"
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Auth.AdminUsername == "" {
		cfg.Auth.AdminUsername = "admin"
	}
	if cfg.Auth.AdminPassword == "" {
		cfg.Auth.AdminPassword = "linkgate"
	}

	// Log defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Environment overrides
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("SIGNATURE_SECRET"); v != "" {
		cfg.Engine.SignatureSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.State.RedisAddr = v
		cfg.State.Backend = "redis"
	}
	if cfg.Engine.SignatureSecret == "" {
		cfg.Engine.SignatureSecret = cfg.Auth.JWTSecret
	}
}

// Save writes configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
