package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when ATTENDSYNC_CONFIG_PATH is empty.
const DefaultPath = "configs/config.yaml"

type Config struct {
	Server struct {
		Address        string   `yaml:"address"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		// MessagesPerSecond limits inbound envelopes per connection.
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Backup struct {
		Enabled       bool   `yaml:"enabled"`
		IntervalHours int    `yaml:"interval_hours"`
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"backup"`

	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`

	MetricsFeed struct {
		Enabled                bool   `yaml:"enabled"`
		BaseURL                string `yaml:"base_url"`
		APIKey                 string `yaml:"api_key"`
		CacheTTLSeconds        int    `yaml:"cache_ttl_seconds"`
		RefreshIntervalMinutes int    `yaml:"refresh_interval_minutes"`
	} `yaml:"metrics_feed"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Edit struct {
		ElevationWindowMinutes int `yaml:"elevation_window_minutes"`
		CommitTimeoutSeconds   int `yaml:"commit_timeout_seconds"`
	} `yaml:"edit"`

	Admin struct {
		// PasswordHash is a bcrypt hash of the elevated-auth secret.
		PasswordHash string `yaml:"password_hash"`
	} `yaml:"admin"`

	Console struct {
		HubURL          string   `yaml:"hub_url"`
		UserID          string   `yaml:"user_id"`
		UserName        string   `yaml:"user_name"`
		Role            string   `yaml:"role"`
		ReportingGroups []string `yaml:"reporting_groups"`
	} `yaml:"console"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Directory struct {
		Path                  string `yaml:"path"`
		ReloadIntervalSeconds int    `yaml:"reload_interval_seconds"`
	} `yaml:"directory"`
}

// Load reads the YAML config at path. A .env file in the working directory is
// loaded first so its variables can fill ${ENV_VAR} placeholders.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/attendsync.db"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Console.HubURL == "" {
		cfg.Console.HubURL = "ws://localhost:8080/ws"
	}
	if cfg.Directory.Path == "" {
		cfg.Directory.Path = "configs/employees.yaml"
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) ElevationWindow() time.Duration {
	if c.Edit.ElevationWindowMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Edit.ElevationWindowMinutes) * time.Minute
}

func (c *Config) CommitTimeout() time.Duration {
	if c.Edit.CommitTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Edit.CommitTimeoutSeconds) * time.Second
}

func (c *Config) MessageRate() (float64, int) {
	rate, burst := c.Server.MessagesPerSecond, c.Server.Burst
	if rate <= 0 {
		rate = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return rate, burst
}

func (c *Config) FeedCacheTTL() time.Duration {
	if c.MetricsFeed.CacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.MetricsFeed.CacheTTLSeconds) * time.Second
}

func (c *Config) FeedRefreshInterval() time.Duration {
	if c.MetricsFeed.RefreshIntervalMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.MetricsFeed.RefreshIntervalMinutes) * time.Minute
}

func (c *Config) DirectoryReloadInterval() time.Duration {
	if c.Directory.ReloadIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Directory.ReloadIntervalSeconds) * time.Second
}
