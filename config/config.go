package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cron     CronConfig     `yaml:"cron"`
	HTTP     HTTPConfig     `yaml:"http"`
	Backend  BackendConfig  `yaml:"backend"`
	Workers  WorkersConfig  `yaml:"workers"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type CronConfig struct {
	UpdateInterval string `yaml:"update_interval"`
	SyncInterval   string `yaml:"sync_interval"`
}

type HTTPConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	PerHostInterval time.Duration `yaml:"per_host_interval"`
	UserAgent       string        `yaml:"user_agent"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// BackendConfig describes the aggregation service. An empty BaseURL means no
// backend: feeds are downloaded directly and sync passes do nothing.
type BackendConfig struct {
	BaseURL      string `yaml:"base_url"`
	AccountID    string `yaml:"account_id"`
	AccountType  string `yaml:"account_type"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// RefreshToken seeds the stored credential on first start.
	RefreshToken string `yaml:"refresh_token"`
}

type WorkersConfig struct {
	WorkQueueSize int `yaml:"work_queue_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "3000",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "data/feedsync.db",
		},
		Cron: CronConfig{
			UpdateInterval: "*/30 * * * *",
			SyncInterval:   "*/5 * * * *",
		},
		HTTP: HTTPConfig{
			Timeout:         30 * time.Second,
			PerHostInterval: time.Second,
			UserAgent:       "feedsync/1.0",
			MaxBodyBytes:    20 << 20,
		},
		Backend: BackendConfig{
			AccountType: "default",
		},
		Workers: WorkersConfig{
			WorkQueueSize: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configPath over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	} else {
		slog.Info("config file not found, using defaults", "path", configPath)
	}

	overrides := []struct {
		env string
		dst *string
	}{
		{"PORT", &cfg.Server.Port},
		{"GIN_MODE", &cfg.Server.Mode},
		{"DB_DRIVER", &cfg.Database.Driver},
		{"DB_PATH", &cfg.Database.Path},
		{"DB_DSN", &cfg.Database.DSN},
		{"BACKEND_URL", &cfg.Backend.BaseURL},
		{"BACKEND_ACCOUNT_ID", &cfg.Backend.AccountID},
		{"BACKEND_REFRESH_TOKEN", &cfg.Backend.RefreshToken},
		{"LOG_LEVEL", &cfg.Log.Level},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}

	if cfg.Workers.WorkQueueSize < 1 {
		cfg.Workers.WorkQueueSize = 1
	}
	return cfg, nil
}

// GetServerAddress returns the listen address, adding ":" to a bare port.
func (c *Config) GetServerAddress() string {
	if _, err := strconv.Atoi(c.Server.Port); err == nil {
		return ":" + c.Server.Port
	}
	return c.Server.Port
}

func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
