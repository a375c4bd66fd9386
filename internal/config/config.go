package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	BasePath string `yaml:"base_path"`
	PidFile  string `yaml:"pid_file"`
	LogFile  string `yaml:"log_file"`

	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Retention RetentionConfig `yaml:"retention"`
	Collector CollectorConfig `yaml:"collector"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Notify    NotifyConfig    `yaml:"notify"`
	NATS      NATSConfig      `yaml:"nats"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// Parsed from command line (not YAML)
	ConfigPath string `yaml:"-"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text | json
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type AlertingConfig struct {
	AutoResolve     bool          `yaml:"auto_resolve"`
	EscalationSweep time.Duration `yaml:"escalation_sweep"`
	ThresholdReload time.Duration `yaml:"threshold_reload"`
	SeedDefaults    bool          `yaml:"seed_defaults"`
}

type RetentionConfig struct {
	ResolvedAlertsDays int           `yaml:"resolved_alerts_days"`
	NotificationsDays  int           `yaml:"notifications_days"`
	HistoryDays        int           `yaml:"history_days"`
	JobsDays           int           `yaml:"jobs_days"`
	Interval           time.Duration `yaml:"interval"`
}

type CollectorConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Interval   int      `yaml:"interval"` // seconds
	Collectors []string `yaml:"collectors"`
}

type JobsConfig struct {
	Workers        int           `yaml:"workers"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
}

type RecipientConfig struct {
	UserID      string   `yaml:"user_id"`
	Email       string   `yaml:"email"`
	Permissions []string `yaml:"permissions"`
}

type EmailConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	From          string `yaml:"from"`
	RatePerMinute int    `yaml:"rate_per_minute"`
}

type WebhookConfig struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerMinute int           `yaml:"rate_per_minute"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NotifyConfig struct {
	BaseURL    string            `yaml:"base_url"`
	Recipients []RecipientConfig `yaml:"recipients"`
	Email      EmailConfig       `yaml:"email"`
	Webhook    WebhookConfig     `yaml:"webhook"`
	Kafka      KafkaConfig       `yaml:"kafka"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:9924",
		BasePath: "/",
		PidFile:  "fitalert.pid",
		LogFile:  "fitalert.log",
		Database: DatabaseConfig{Driver: "sqlite", DSN: "fitalert.db"},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Alerting: AlertingConfig{
			AutoResolve:     true,
			EscalationSweep: time.Minute,
			ThresholdReload: time.Minute,
			SeedDefaults:    true,
		},
		Retention: RetentionConfig{
			ResolvedAlertsDays: 30,
			NotificationsDays:  60,
			HistoryDays:        90,
			JobsDays:           7,
			Interval:           time.Hour,
		},
		Collector: CollectorConfig{
			Enabled:    true,
			Interval:   300,
			Collectors: []string{"cpu", "memory", "disk"},
		},
		Jobs: JobsConfig{
			Workers:        4,
			PollInterval:   2 * time.Second,
			MaxAttempts:    5,
			BackoffInitial: 10 * time.Second,
			BackoffMax:     10 * time.Minute,
			JobTimeout:     30 * time.Minute,
		},
		Notify: NotifyConfig{
			Email:   EmailConfig{Port: 25, RatePerMinute: 30},
			Webhook: WebhookConfig{Timeout: 10 * time.Second, RatePerMinute: 60},
			Kafka:   KafkaConfig{Topic: "fitalert.alerts"},
		},
		NATS:       NATSConfig{SubjectPrefix: "fitalert.progress"},
		Metrics:    MetricsConfig{Enabled: true, Path: "/metrics"},
		ConfigPath: "config.yaml",
	}
}

// Load reads configuration with priority: defaults < config.yaml < env vars < flags.
// It expects os.Args to already have the subcommand stripped (if any).
func Load() *Config {
	cfg, err := LoadFrom(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// LoadFrom is Load with explicit arguments and environment lookup.
func LoadFrom(args []string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	// 1) Pre-scan for -config flag before parsing (so we know which file to read)
	configPath := cfg.ConfigPath
	for i, arg := range args {
		if arg == "-config" || arg == "--config" {
			if i+1 < len(args) {
				configPath = args[i+1]
			}
		} else if strings.HasPrefix(arg, "-config=") || strings.HasPrefix(arg, "--config=") {
			configPath = strings.SplitN(arg, "=", 2)[1]
		}
	}

	// 2) Load YAML config file
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			slog.Warn("failed to parse config file", "component", "config", "path", configPath, "err", err)
		} else {
			slog.Info("loaded config file", "component", "config", "path", configPath)
		}
	}
	cfg.ConfigPath = configPath

	// 3) Environment variables override YAML
	applyEnv(cfg, getenv)

	// 4) Flags override everything
	fs := flag.NewFlagSet("fitalert", flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "Path to config.yaml")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address (host:port)")
	fs.StringVar(&cfg.Database.Driver, "db-driver", cfg.Database.Driver, "Database driver (sqlite|postgres)")
	fs.StringVar(&cfg.Database.DSN, "db", cfg.Database.DSN, "Database path or DSN")
	fs.StringVar(&cfg.BasePath, "base-path", cfg.BasePath, "Base URL path for reverse proxy")
	fs.StringVar(&cfg.PidFile, "pid-file", cfg.PidFile, "PID file path")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Log file path")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug|info|warn|error)")
	fs.IntVar(&cfg.Jobs.Workers, "workers", cfg.Jobs.Workers, "Background job workers")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Normalize base_path
	cfg.BasePath = normalizeBasePath(cfg.BasePath)

	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("FITALERT_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := getenv("FITALERT_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := getenv("FITALERT_DB"); v != "" {
		cfg.Database.DSN = v
	}
	if v := getenv("FITALERT_BASE_PATH"); v != "" {
		cfg.BasePath = v
	}
	if v := getenv("FITALERT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("FITALERT_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := getenv("FITALERT_KAFKA_BROKERS"); v != "" {
		cfg.Notify.Kafka.Brokers = splitList(v)
	}
	if v := getenv("FITALERT_WEBHOOK_URL"); v != "" {
		cfg.Notify.Webhook.URL = v
	}
	if v := getenv("FITALERT_SMTP_PASSWORD"); v != "" {
		cfg.Notify.Email.Password = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeBasePath ensures the base path starts with "/" and has no trailing "/".
// Returns "/" for empty or root paths.
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = strings.TrimRight(p, "/")
	return p
}
