// Package config loads the venue-monitor configuration from an optional YAML
// file, an optional .env file and the process environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full venue-monitor configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

type APIConfig struct {
	BaseURL           string        `yaml:"base_url" env:"VENUE_API_URL"`
	UserAgent         string        `yaml:"user_agent" env:"VENUE_USER_AGENT"`
	Timeout           time.Duration `yaml:"timeout" env:"VENUE_API_TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"VENUE_REQUESTS_PER_SECOND"`
	MaxRetries        int           `yaml:"max_retries" env:"VENUE_MAX_RETRIES"`
	CacheTTL          time.Duration `yaml:"cache_ttl" env:"VENUE_CACHE_TTL"`
}

type AuthConfig struct {
	// Token seeds the credential at startup.
	Token        string `yaml:"token" env:"VENUE_TOKEN"`
	RefreshToken string `yaml:"refresh_token" env:"VENUE_REFRESH_TOKEN"`

	// RedisAddr enables the shared Redis credential store when set.
	RedisAddr string `yaml:"redis_addr" env:"REDIS_URL"`
	RedisKey  string `yaml:"redis_key" env:"VENUE_REDIS_KEY"`
}

type RealtimeConfig struct {
	URL         string `yaml:"url" env:"VENUE_REALTIME_URL"`
	VenueID     string `yaml:"venue_id" env:"VENUE_ID"`
	MaxAttempts int    `yaml:"max_attempts" env:"VENUE_REALTIME_MAX_ATTEMPTS"`
}

// ScheduleConfig holds cron specs ("@every 30s", "*/5 * * * *").
type ScheduleConfig struct {
	VenueStatus string `yaml:"venue_status" env:"VENUE_STATUS_SCHEDULE"`
	PerfReport  string `yaml:"perf_report" env:"VENUE_PERF_SCHEDULE"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" env:"VENUE_MONITOR_ADDR"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"LOG_PRETTY"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		API: APIConfig{
			UserAgent:  "venue-monitor/1.0",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			CacheTTL:   5 * time.Minute,
		},
		Auth: AuthConfig{
			RedisKey: "venue:credential",
		},
		Realtime: RealtimeConfig{
			MaxAttempts: 5,
		},
		Schedule: ScheduleConfig{
			VenueStatus: "@every 30s",
			PerfReport:  "@every 1m",
		},
		Server: ServerConfig{
			Addr: ":9090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. yamlPath and envPath may be empty; a
// missing .env file is not an error.
func Load(yamlPath, envPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env (%s): %w", envPath, err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url (VENUE_API_URL) is required")
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("api.max_retries must be >= 0")
	}
	if c.API.RequestsPerSecond < 0 {
		return fmt.Errorf("api.requests_per_second must be >= 0")
	}
	if c.Realtime.MaxAttempts <= 0 {
		return fmt.Errorf("realtime.max_attempts must be > 0")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	return nil
}
