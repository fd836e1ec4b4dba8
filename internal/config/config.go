package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Store    StoreConfig    `yaml:"store"`
	Printers PrintersConfig `yaml:"printers"`
	Queue    QueueConfig    `yaml:"queue"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port               int           `yaml:"port"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	AuthEnabled        bool          `yaml:"auth_enabled"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
	GinMode            string        `yaml:"gin_mode"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type StoreConfig struct {
	Driver   string        `yaml:"driver"`
	Key      string        `yaml:"key"`
	RedisURL string        `yaml:"redis_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

type PrintersConfig struct {
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	StatusCheck       bool          `yaml:"status_check"`
}

type QueueConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InterJobDelay time.Duration `yaml:"inter_job_delay"`
	HistorySize   int           `yaml:"history_size"`
}

type WebhookTarget struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type WebhooksConfig struct {
	Targets     []WebhookTarget `yaml:"targets"`
	Timeout     time.Duration   `yaml:"timeout"`
	RetryCount  int             `yaml:"retry_count"`
	RetryDelay  time.Duration   `yaml:"retry_delay"`
	WorkerCount int             `yaml:"worker_count"`
	QueueSize   int             `yaml:"queue_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AuthEnabled:     true,
			GinMode:         "release",
		},
		Database: DatabaseConfig{
			Path: "./data/printqueue.db",
		},
		Store: StoreConfig{
			Driver:  "sqlite",
			Key:     "print_queue_snapshot",
			Timeout: 5 * time.Second,
		},
		Printers: PrintersConfig{
			ConnectionTimeout: 10 * time.Second,
			StatusCheck:       true,
		},
		Queue: QueueConfig{
			MaxRetries:    3,
			InterJobDelay: 500 * time.Millisecond,
			HistorySize:   50,
		},
		Webhooks: WebhooksConfig{
			Timeout:     10 * time.Second,
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			WorkerCount: 3,
			QueueSize:   100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configPath over the defaults, then applies .env and PRINTQ_*
// environment overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	_ = godotenv.Load()
	applyEnv(cfg)

	return cfg, nil
}

// LoadFromEnv returns the defaults with environment overrides applied.
func LoadFromEnv() *Config {
	cfg := Defaults()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PRINTQ_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("PRINTQ_AUTH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Server.AuthEnabled = b
		}
	}

	if v := os.Getenv("PRINTQ_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.CORSAllowedOrigins = strings.Split(v, ",")
	}

	if v := os.Getenv("PRINTQ_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("PRINTQ_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}

	if v := os.Getenv("PRINTQ_REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}

	if v := os.Getenv("PRINTQ_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRetries = n
		}
	}

	if v := os.Getenv("PRINTQ_INTER_JOB_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.InterJobDelay = d
		}
	}

	if v := os.Getenv("PRINTQ_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("PRINTQ_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown timeout must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	switch c.Store.Driver {
	case "sqlite", "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("invalid store driver: %s (valid: sqlite, redis, memory)", c.Store.Driver)
	}

	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}

	if c.Printers.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout must be non-negative")
	}

	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}

	if c.Queue.InterJobDelay < 0 {
		return fmt.Errorf("inter job delay must be non-negative")
	}

	if c.Queue.HistorySize < 0 {
		return fmt.Errorf("history size must be non-negative")
	}

	for i, t := range c.Webhooks.Targets {
		u, err := url.Parse(t.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook target %d: invalid url %q", i, t.URL)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
