package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ReminderPolicy holds the tunables of reminder derivation. They are
// product choices, so every one of them can be overridden.
type ReminderPolicy struct {
	Lookback      time.Duration `yaml:"lookback"`
	Lookahead     time.Duration `yaml:"lookahead"`
	TriggerGrace  time.Duration `yaml:"trigger_grace"`
	AllDayHour    int           `yaml:"all_day_hour"`
	DefaultOffset int           `yaml:"default_offset_minutes"`
}

// Config is the application configuration. Values come from the
// environment (optionally seeded from .env) and may be overlaid by a YAML file.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	DatabaseDriver string `yaml:"database_driver"`
	DatabaseURL    string `yaml:"database_url"`
	RedisAddr      string `yaml:"redis_addr"`

	GoogleClientID     string `yaml:"google_client_id"`
	GoogleClientSecret string `yaml:"google_client_secret"`
	GoogleRedirectURL  string `yaml:"google_redirect_url"`
	GoogleCalendarID   string `yaml:"google_calendar_id"`

	SyncCron           string        `yaml:"sync_cron"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	MaxParallelSources int           `yaml:"max_parallel_sources"`
	CalDAVHorizon      time.Duration `yaml:"caldav_horizon"`

	Reminders ReminderPolicy `yaml:"reminders"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		HTTPAddr:           "127.0.0.1:8000",
		LogLevel:           "info",
		DatabaseDriver:     "sqlite",
		DatabaseURL:        "alarmsync.db",
		GoogleRedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
		GoogleCalendarID:   "primary",
		SyncCron:           "*/15 * * * *",
		FetchTimeout:       30 * time.Second,
		MaxParallelSources: 4,
		CalDAVHorizon:      30 * 24 * time.Hour,
		Reminders: ReminderPolicy{
			Lookback:      2 * time.Hour,
			Lookahead:     24 * time.Hour,
			TriggerGrace:  60 * time.Second,
			AllDayHour:    9,
			DefaultOffset: 30,
		},
	}
}

// Load builds the configuration from the environment and, when path is not
// empty, overlays the YAML file at path. A missing file is an error only if
// the path was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", c.LogLevel))
	c.DatabaseDriver = strings.ToLower(getEnv("DATABASE_DRIVER", c.DatabaseDriver))
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.GoogleClientID = getEnv("GOOGLE_CLIENT_ID", c.GoogleClientID)
	c.GoogleClientSecret = getEnv("GOOGLE_CLIENT_SECRET", c.GoogleClientSecret)
	c.GoogleRedirectURL = getEnv("GOOGLE_REDIRECT_URL", c.GoogleRedirectURL)
	c.GoogleCalendarID = getEnv("GOOGLE_CALENDAR_ID", c.GoogleCalendarID)
	c.SyncCron = getEnv("SYNC_CRON", c.SyncCron)
	c.MaxParallelSources = getEnvInt("MAX_PARALLEL_SOURCES", c.MaxParallelSources)
	c.Reminders.AllDayHour = getEnvInt("ALL_DAY_HOUR", c.Reminders.AllDayHour)
	c.Reminders.DefaultOffset = getEnvInt("DEFAULT_OFFSET_MINUTES", c.Reminders.DefaultOffset)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"FETCH_TIMEOUT", &c.FetchTimeout},
		{"CALDAV_HORIZON", &c.CalDAVHorizon},
		{"REMINDER_LOOKBACK", &c.Reminders.Lookback},
		{"REMINDER_LOOKAHEAD", &c.Reminders.Lookahead},
		{"REMINDER_TRIGGER_GRACE", &c.Reminders.TriggerGrace},
	}
	for _, d := range durations {
		v, err := getEnvDuration(d.key, *d.dst)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s not found", path)
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("FETCH_TIMEOUT must be positive")
	}
	if c.MaxParallelSources <= 0 {
		return errors.New("MAX_PARALLEL_SOURCES must be positive")
	}
	r := c.Reminders
	if r.Lookback < 0 || r.Lookahead <= 0 {
		return errors.New("reminder lookback must be >= 0 and lookahead > 0")
	}
	if r.TriggerGrace < 0 {
		return errors.New("REMINDER_TRIGGER_GRACE must not be negative")
	}
	if r.AllDayHour < 0 || r.AllDayHour > 23 {
		return fmt.Errorf("ALL_DAY_HOUR %d out of range", r.AllDayHour)
	}
	if r.DefaultOffset <= 0 {
		return errors.New("DEFAULT_OFFSET_MINUTES must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
