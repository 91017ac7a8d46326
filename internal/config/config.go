package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for RelayDesk.
type Config struct {
	Port      int             `yaml:"port"`
	Version   string          `yaml:"version"`
	LogLevel  string          `yaml:"log_level"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
	LLM       LLMConfig       `yaml:"llm"`
	Behavior  BehaviorConfig  `yaml:"behavior"`
	Media     MediaConfig     `yaml:"media"`
	Retention RetentionConfig `yaml:"retention"`
	Platforms PlatformsConfig `yaml:"platforms"`
}

type StoreConfig struct {
	// Driver is "memory" (JSON snapshot) or "sqlite".
	Driver     string `yaml:"driver"`
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type AuthConfig struct {
	// APIKeys guard the admin API. Empty disables auth (local dev).
	APIKeys      []string `yaml:"api_keys"`
	APIKeyHeader string   `yaml:"api_key_header"`
}

type LLMConfig struct {
	Model           string        `yaml:"model"`
	BaseURL         string        `yaml:"base_url"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"` // per attempt; 0 disables
	HistoryWindow   int           `yaml:"history_window"`   // turns sent to the provider
	MemoryLimit     int           `yaml:"memory_limit"`     // turns persisted
}

type BehaviorConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ReadingPerChar  time.Duration `yaml:"reading_per_char"`
	ReadingCap      time.Duration `yaml:"reading_cap"`
	TypingPerChar   time.Duration `yaml:"typing_per_char"`
	TypingCap       time.Duration `yaml:"typing_cap"`
	PauseChance     float64       `yaml:"pause_chance"`
	PauseMin        time.Duration `yaml:"pause_min"`
	PauseMax        time.Duration `yaml:"pause_max"`
	DefaultDelayMin time.Duration `yaml:"default_delay_min"`
	DefaultDelayMax time.Duration `yaml:"default_delay_max"`
}

type MediaConfig struct {
	FFmpegPath       string        `yaml:"ffmpeg_path"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes"`
	DownloadTimeout  time.Duration `yaml:"download_timeout"`
}

type RetentionConfig struct {
	AuditTTL time.Duration `yaml:"audit_ttl"` // 0 keeps entries forever
	Schedule string        `yaml:"schedule"`
	// ArchiveDir, when set, receives expired entries as JSONL before purge.
	ArchiveDir      string `yaml:"archive_dir"`
	ArchiveCompress bool   `yaml:"archive_compress"`
}

type PlatformsConfig struct {
	GraphBaseURL    string        `yaml:"graph_base_url"`
	GraphAPIVersion string        `yaml:"graph_api_version"`
	TelegramBaseURL string        `yaml:"telegram_base_url"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	UserAgents      []string      `yaml:"user_agents"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:     8080,
		Version:  "0.1.0",
		LogLevel: "info",
		Store: StoreConfig{
			Driver:     "memory",
			DataDir:    defaultDataDir(),
			SQLitePath: "",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "relaydesk",
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
		},
		LLM: LLMConfig{
			Model:           "gemini-2.0-flash",
			ProviderTimeout: 60 * time.Second,
			HistoryWindow:   20,
			MemoryLimit:     50,
		},
		Behavior: BehaviorConfig{
			Enabled:         true,
			ReadingPerChar:  25 * time.Millisecond,
			ReadingCap:      4 * time.Second,
			TypingPerChar:   55 * time.Millisecond,
			TypingCap:       10 * time.Second,
			PauseChance:     0.15,
			PauseMin:        500 * time.Millisecond,
			PauseMax:        2 * time.Second,
			DefaultDelayMin: 800 * time.Millisecond,
			DefaultDelayMax: 2500 * time.Millisecond,
		},
		Media: MediaConfig{
			FFmpegPath:       "ffmpeg",
			MaxDownloadBytes: 20 << 20,
			DownloadTimeout:  30 * time.Second,
		},
		Retention: RetentionConfig{
			AuditTTL: 30 * 24 * time.Hour,
			Schedule: "@every 1h",
		},
		Platforms: PlatformsConfig{
			GraphBaseURL:    "https://graph.facebook.com",
			GraphAPIVersion: "v21.0",
			TelegramBaseURL: "https://api.telegram.org",
			HTTPTimeout:     15 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// RELAYDESK_CONFIG, and RELAYDESK_* environment overrides, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("RELAYDESK_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("RELAYDESK_PORT", c.Port)
	c.Version = envStr("RELAYDESK_VERSION", c.Version)
	c.LogLevel = envStr("RELAYDESK_LOG_LEVEL", c.LogLevel)

	c.Store.Driver = envStr("RELAYDESK_STORE_DRIVER", c.Store.Driver)
	c.Store.DataDir = envStr("RELAYDESK_DATA_DIR", c.Store.DataDir)
	c.Store.SQLitePath = envStr("RELAYDESK_SQLITE_PATH", c.Store.SQLitePath)

	c.Telemetry.Enabled = envBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)

	c.Auth.APIKeys = envList("RELAYDESK_API_KEYS", c.Auth.APIKeys)
	c.Auth.APIKeyHeader = envStr("RELAYDESK_API_KEY_HEADER", c.Auth.APIKeyHeader)

	c.LLM.Model = envStr("RELAYDESK_LLM_MODEL", c.LLM.Model)
	c.LLM.BaseURL = envStr("RELAYDESK_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.ProviderTimeout = envDuration("RELAYDESK_LLM_TIMEOUT", c.LLM.ProviderTimeout)
	c.LLM.HistoryWindow = envInt("RELAYDESK_HISTORY_WINDOW", c.LLM.HistoryWindow)
	c.LLM.MemoryLimit = envInt("RELAYDESK_MEMORY_LIMIT", c.LLM.MemoryLimit)

	c.Behavior.Enabled = envBool("RELAYDESK_BEHAVIOR_ENABLED", c.Behavior.Enabled)

	c.Media.FFmpegPath = envStr("RELAYDESK_FFMPEG_PATH", c.Media.FFmpegPath)
	c.Media.MaxDownloadBytes = int64(envInt("RELAYDESK_MEDIA_MAX_BYTES", int(c.Media.MaxDownloadBytes)))

	c.Retention.AuditTTL = envDuration("RELAYDESK_AUDIT_TTL", c.Retention.AuditTTL)
	c.Retention.Schedule = envStr("RELAYDESK_RETENTION_SCHEDULE", c.Retention.Schedule)
	c.Retention.ArchiveDir = envStr("RELAYDESK_ARCHIVE_DIR", c.Retention.ArchiveDir)
	c.Retention.ArchiveCompress = envBool("RELAYDESK_ARCHIVE_COMPRESS", c.Retention.ArchiveCompress)

	c.Platforms.GraphBaseURL = envStr("RELAYDESK_GRAPH_BASE_URL", c.Platforms.GraphBaseURL)
	c.Platforms.GraphAPIVersion = envStr("RELAYDESK_GRAPH_API_VERSION", c.Platforms.GraphAPIVersion)
	c.Platforms.TelegramBaseURL = envStr("RELAYDESK_TELEGRAM_BASE_URL", c.Platforms.TelegramBaseURL)
	c.Platforms.UserAgents = envList("RELAYDESK_USER_AGENTS", c.Platforms.UserAgents)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			if c.Store.DataDir == "" {
				return fmt.Errorf("store: sqlite driver needs sqlite_path or data_dir")
			}
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.LLM.HistoryWindow <= 0 || c.LLM.MemoryLimit <= 0 {
		return fmt.Errorf("llm: history_window and memory_limit must be positive")
	}
	if c.Behavior.PauseChance < 0 || c.Behavior.PauseChance > 1 {
		return fmt.Errorf("behavior: pause_chance must be within [0,1]")
	}
	return nil
}

// SQLitePath returns the configured database file, defaulting into DataDir.
func (c *Config) SQLitePath() string {
	if c.Store.SQLitePath != "" {
		return c.Store.SQLitePath
	}
	return c.Store.DataDir + string(os.PathSeparator) + "relaydesk.db"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + string(os.PathSeparator) + ".relaydesk"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
