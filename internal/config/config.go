package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr       = ":8088"
	defaultDBPath         = "/data/intersection_agent.db"
	defaultIntersectionID = "demo"
	defaultRequestedBy    = "agent"
)

// Config stores runtime settings. Values come from an optional YAML file,
// overridden by environment variables.
type Config struct {
	HTTPAddr          string        `yaml:"http_addr"`
	DBPath            string        `yaml:"db_path"`
	IntersectionID    string        `yaml:"intersection_id"`
	RequestedBy       string        `yaml:"requested_by"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	AckPollInterval   time.Duration `yaml:"ack_poll_interval"`
	UITickInterval    time.Duration `yaml:"ui_tick_interval"`
	LogWindow         int           `yaml:"log_window"`
	LogLevel          string        `yaml:"log_level"`
	SimulateDevice    bool          `yaml:"simulate_device"`
}

func defaults() Config {
	return Config{
		HTTPAddr:          defaultHTTPAddr,
		DBPath:            defaultDBPath,
		IntersectionID:    defaultIntersectionID,
		RequestedBy:       defaultRequestedBy,
		StaleThreshold:    20 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		AckTimeout:        3 * time.Second,
		AckPollInterval:   100 * time.Millisecond,
		UITickInterval:    150 * time.Millisecond,
		LogWindow:         200,
		LogLevel:          "info",
		SimulateDevice:    false,
	}
}

// Load builds the runtime configuration: defaults, then the YAML file named
// by CONFIG_FILE (if any), then per-field environment overrides.
func Load() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DBPath = getenv("DB_PATH", cfg.DBPath)
	cfg.IntersectionID = getenv("INTERSECTION_ID", cfg.IntersectionID)
	cfg.RequestedBy = getenv("REQUESTED_BY", cfg.RequestedBy)
	cfg.StaleThreshold = parseDuration("STALE_THRESHOLD", cfg.StaleThreshold)
	cfg.HeartbeatInterval = parseDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.AckTimeout = parseDuration("ACK_TIMEOUT", cfg.AckTimeout)
	cfg.AckPollInterval = parseDuration("ACK_POLL_INTERVAL", cfg.AckPollInterval)
	cfg.UITickInterval = parseDuration("UI_TICK_INTERVAL", cfg.UITickInterval)
	cfg.LogWindow = parseInt("LOG_WINDOW", cfg.LogWindow)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.SimulateDevice = parseBool("SIMULATE_DEVICE", cfg.SimulateDevice)

	if cfg.IntersectionID == "" {
		return Config{}, fmt.Errorf("intersection id must not be empty")
	}
	if cfg.LogWindow <= 0 {
		cfg.LogWindow = defaults().LogWindow
	}
	return cfg, nil
}

// DBDir returns the target directory for DBPath.
func (c Config) DBDir() string {
	return filepath.Dir(c.DBPath)
}

// Level maps the configured log level name to its slog level.
func (c Config) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}

func parseBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}
