package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAPIBaseURL        = "http://localhost:8000/api/v1"
	DefaultWSBaseURL         = "ws://localhost:8000/api/v1"
	DefaultShortcutThreshold = 0.6
	DefaultSnapshotMinLength = 3
	DefaultReconnectDelay    = 3 * time.Second
	DefaultMaxSuggestions    = 4
)

// Config holds application configuration
type Config struct {
	APIBaseURL string `toml:"api_url"`
	WSBaseURL  string `toml:"ws_url"`
	DBPath     string `toml:"db_path"`
	LogDir     string `toml:"log_dir"`
	SessionID  string `toml:"session_id"`
	Debug      bool   `toml:"debug"`
	Telemetry  bool   `toml:"telemetry"` // export traces and metrics to LogDir

	// Prediction tuning
	ShortcutThreshold float64       `toml:"shortcut_threshold"`  // similarity above which a precomputed answer is used
	SnapshotMinLength int           `toml:"snapshot_min_length"` // draft length that triggers a live snapshot
	ReconnectDelay    time.Duration `toml:"reconnect_delay"`
	MaxSuggestions    int           `toml:"max_suggestions"`
	AnswerCacheTTL    time.Duration `toml:"answer_cache_ttl"`
	SessionListLimit  int           `toml:"session_list_limit"`
}

// Default returns the configuration used when nothing else is set
func Default() Config {
	return Config{
		APIBaseURL:        DefaultAPIBaseURL,
		WSBaseURL:         DefaultWSBaseURL,
		DBPath:            "nextmind.db",
		LogDir:            "logs",
		ShortcutThreshold: DefaultShortcutThreshold,
		SnapshotMinLength: DefaultSnapshotMinLength,
		ReconnectDelay:    DefaultReconnectDelay,
		MaxSuggestions:    DefaultMaxSuggestions,
		AnswerCacheTTL:    10 * time.Minute,
		SessionListLimit:  50,
	}
}

// LoadFile overlays the TOML file at path onto cfg
func LoadFile(path string, cfg *Config) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays NEXTMIND_* environment variables onto cfg
func ApplyEnv(cfg *Config) {
	cfg.APIBaseURL = getEnv("NEXTMIND_API_URL", cfg.APIBaseURL)
	cfg.WSBaseURL = getEnv("NEXTMIND_WS_URL", cfg.WSBaseURL)
	cfg.DBPath = getEnv("NEXTMIND_DB_PATH", cfg.DBPath)
	cfg.LogDir = getEnv("NEXTMIND_LOG_DIR", cfg.LogDir)
	cfg.Debug = getEnvBool("NEXTMIND_DEBUG", cfg.Debug)
	cfg.Telemetry = getEnvBool("NEXTMIND_TELEMETRY", cfg.Telemetry)
	cfg.ShortcutThreshold = getEnvFloat("NEXTMIND_SHORTCUT_THRESHOLD", cfg.ShortcutThreshold)
	cfg.SnapshotMinLength = getEnvInt("NEXTMIND_SNAPSHOT_MIN_LENGTH", cfg.SnapshotMinLength)
	cfg.ReconnectDelay = getEnvDuration("NEXTMIND_RECONNECT_DELAY", cfg.ReconnectDelay)
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API base URL cannot be empty")
	}
	if c.WSBaseURL == "" {
		return fmt.Errorf("WebSocket base URL cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	// the coordinator reads zero as unset
	if c.ShortcutThreshold <= 0 || c.ShortcutThreshold > 1 {
		return fmt.Errorf("shortcut threshold must be within (0,1], got %v", c.ShortcutThreshold)
	}
	if c.SnapshotMinLength < 1 {
		return fmt.Errorf("snapshot min length must be >= 1, got %d", c.SnapshotMinLength)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be > 0, got %s", c.ReconnectDelay)
	}
	if c.MaxSuggestions < 1 {
		return fmt.Errorf("max suggestions must be >= 1, got %d", c.MaxSuggestions)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
