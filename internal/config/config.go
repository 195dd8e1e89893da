// Package config loads the coedit server configuration from a TOML file.
// Every setting has a default, so a missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultConfigFile = "coedit.toml"
	DefaultDataDir    = "data"
	DatabaseFile      = "coedit.db"
)

// Duration is a time.Duration written as a string such as "30s" in TOML
type Duration struct {
	time.Duration
}

// D wraps d
func D(d time.Duration) Duration {
	return Duration{d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Config represents the coedit configuration file
type Config struct {
	Server        ServerConfig       `toml:"server"`
	Storage       StorageConfig      `toml:"storage"`
	Engine        EngineConfig       `toml:"engine"`
	Room          RoomConfig         `toml:"room"`
	Notifications NotificationConfig `toml:"notifications"`
	Auth          AuthConfig         `toml:"auth"`
	RateLimit     RateLimitConfig    `toml:"rate_limit"`
	Webhooks      WebhookConfig      `toml:"webhooks"`
}

type ServerConfig struct {
	Listen          string   `toml:"listen"`
	LogLevel        string   `toml:"log_level"`
	LogFormat       string   `toml:"log_format"`
	TLSCert         string   `toml:"tls_cert"`
	TLSKey          string   `toml:"tls_key"`
	AllowedOrigins  []string `toml:"allowed_origins,omitempty"`
	ReadTimeout     Duration `toml:"read_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type StorageConfig struct {
	Backend string `toml:"backend"` // bbolt or sqlite
	Path    string `toml:"path"`
}

type EngineConfig struct {
	MaxContentLength int `toml:"max_content_length"`
	CacheSize        int `toml:"cache_size"`
}

type RoomConfig struct {
	MaxConnectionsPerUser int      `toml:"max_connections_per_user"`
	ChatHistoryLimit      int      `toml:"chat_history_limit"`
	OperationHistoryLimit int      `toml:"operation_history_limit"`
	WelcomeOperations     int      `toml:"welcome_operations"`
	ConnectionTimeout     Duration `toml:"connection_timeout"`
	IdleTimeout           Duration `toml:"idle_timeout"`
	CleanupInterval       Duration `toml:"cleanup_interval"`
	SendBuffer            int      `toml:"send_buffer"`
}

type NotificationConfig struct {
	Limit         int      `toml:"limit"`
	ReadRetention Duration `toml:"read_retention"`
	PruneInterval Duration `toml:"prune_interval"`
	IdleTimeout   Duration `toml:"idle_timeout"`
}

type AuthConfig struct {
	JWTSecret      string   `toml:"jwt_secret"`
	Issuer         string   `toml:"issuer"`
	AdminToken     string   `toml:"admin_token"`
	TokenTTL       Duration `toml:"token_ttl"`
	AllowAnonymous bool     `toml:"allow_anonymous"`
}

type RateLimitConfig struct {
	ConnectionsPerMinute int     `toml:"connections_per_minute"`
	MessagesPerSecond    float64 `toml:"messages_per_second"`
	Burst                int     `toml:"burst"`
	RequestsPerMinute    int     `toml:"requests_per_minute"`
}

type WebhookConfig struct {
	URLs       []string `toml:"urls,omitempty"`
	MaxRetries int      `toml:"max_retries"`
	Timeout    Duration `toml:"timeout"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "0.0.0.0:8730",
			LogLevel:        "info",
			LogFormat:       "json",
			ReadTimeout:     D(30 * time.Second),
			ShutdownTimeout: D(30 * time.Second),
		},
		Storage: StorageConfig{
			Backend: "bbolt",
			Path:    filepath.Join(DefaultDataDir, DatabaseFile),
		},
		Engine: EngineConfig{
			MaxContentLength: 10000,
			CacheSize:        4096,
		},
		Room: RoomConfig{
			MaxConnectionsPerUser: 5,
			ChatHistoryLimit:      100,
			OperationHistoryLimit: 1000,
			WelcomeOperations:     50,
			ConnectionTimeout:     D(5 * time.Minute),
			IdleTimeout:           D(10 * time.Minute),
			CleanupInterval:       D(30 * time.Second),
			SendBuffer:            64,
		},
		Notifications: NotificationConfig{
			Limit:         1000,
			ReadRetention: D(7 * 24 * time.Hour),
			PruneInterval: D(time.Hour),
			IdleTimeout:   D(10 * time.Minute),
		},
		Auth: AuthConfig{
			Issuer:   "coedit",
			TokenTTL: D(24 * time.Hour),
		},
		RateLimit: RateLimitConfig{
			ConnectionsPerMinute: 30,
			MessagesPerSecond:    20,
			Burst:                40,
			RequestsPerMinute:    600,
		},
		Webhooks: WebhookConfig{
			MaxRetries: 3,
			Timeout:    D(10 * time.Second),
		},
	}
}

// Load reads the configuration at path on top of the defaults. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Listen != "", "server.listen is required")
	check(oneOf(c.Server.LogLevel, "debug", "info", "warn", "error"), "server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel)
	check(oneOf(c.Server.LogFormat, "json", "text"), "server.log_format %q is not one of json, text", c.Server.LogFormat)
	check((c.Server.TLSCert == "") == (c.Server.TLSKey == ""), "server.tls_cert and server.tls_key must be set together")
	check(oneOf(c.Storage.Backend, "bbolt", "sqlite"), "storage.backend %q is not one of bbolt, sqlite", c.Storage.Backend)
	check(c.Storage.Path != "", "storage.path is required")
	check(c.Engine.MaxContentLength > 0, "engine.max_content_length must be positive")
	check(c.Engine.CacheSize >= 0, "engine.cache_size must not be negative")
	check(c.Room.MaxConnectionsPerUser > 0, "room.max_connections_per_user must be positive")
	check(c.Room.ChatHistoryLimit >= 0, "room.chat_history_limit must not be negative")
	check(c.Room.OperationHistoryLimit > 0, "room.operation_history_limit must be positive")
	check(c.Room.WelcomeOperations >= 0, "room.welcome_operations must not be negative")
	check(c.Room.CleanupInterval.Duration > 0, "room.cleanup_interval must be positive")
	check(c.Room.ConnectionTimeout.Duration > 0, "room.connection_timeout must be positive")
	check(c.Room.SendBuffer > 0, "room.send_buffer must be positive")
	check(c.Notifications.Limit > 0, "notifications.limit must be positive")
	check(c.Notifications.PruneInterval.Duration > 0, "notifications.prune_interval must be positive")
	check(c.RateLimit.MessagesPerSecond >= 0, "rate_limit.messages_per_second must not be negative")
	check(c.RateLimit.Burst >= 0, "rate_limit.burst must not be negative")

	return errors.Join(errs...)
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
