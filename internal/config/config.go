package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for roomrelay.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Chat       ChatConfig       `yaml:"chat"`
	Document   DocumentConfig   `yaml:"document"`
	Store      StoreConfig      `yaml:"store"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains the listener and lifecycle settings.
type ServerConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	StaticDir         string        `yaml:"static_dir"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	ForceExitTimeout  time.Duration `yaml:"force_exit_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// ChatConfig controls the chat room broker and its sockets.
type ChatConfig struct {
	MaxMessageSize   int64         `yaml:"max_message_size"`
	MaxContentLength int           `yaml:"max_content_length"`
	SendQueueSize    int           `yaml:"send_queue_size"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HistoryLimit     int           `yaml:"history_limit"`
}

// DocumentConfig controls the collaborative document relay.
type DocumentConfig struct {
	MaxFrameSize  int64         `yaml:"max_frame_size"`
	SendQueueSize int           `yaml:"send_queue_size"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	PongTimeout   time.Duration `yaml:"pong_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// StoreConfig selects and tunes the message store.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	PersistTimeout  time.Duration `yaml:"persist_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MemoryRetention int           `yaml:"memory_retention"`
	Breaker         BreakerConfig `yaml:"breaker"`
}

// BreakerConfig controls the persistence circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	AllowedNetworks     []string        `yaml:"allowed_networks"`
	AuthToken           string          `yaml:"auth_token"`
	JWTSecret           string          `yaml:"jwt_secret"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	MessagesPerSecond    int  `yaml:"messages_per_second"`
	APIRequestsPerMinute int  `yaml:"api_requests_per_minute"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	RingSize   int    `yaml:"ring_size"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:     "0.0.0.0:3000",
			DrainTimeout:      10 * time.Second,
			ForceExitTimeout:  15 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Chat: ChatConfig{
			MaxMessageSize:   65536, // 64KB
			MaxContentLength: 8000,
			SendQueueSize:    64,
			PingInterval:     30 * time.Second,
			PongTimeout:      10 * time.Second,
			WriteTimeout:     10 * time.Second,
			HistoryLimit:     200,
		},
		Document: DocumentConfig{
			MaxFrameSize:  1048576, // 1MB
			SendQueueSize: 256,
			PingInterval:  30 * time.Second,
			PongTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			DSN:             "roomrelay.db",
			PersistTimeout:  5 * time.Second,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			MemoryRetention: 1000,
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Security: SecurityConfig{
			MaxConnections:      2000,
			MaxConnectionsPerIP: 20,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
				MessagesPerSecond:    20,
				APIRequestsPerMinute: 600,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
			RingSize:   500,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:3001",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  true,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'roomrelay init-config' to create one)", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := applyPort(cfg, os.Getenv("PORT")); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// WriteDefault marshals DefaultConfig to path. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if c.Server.DrainTimeout <= 0 {
		return fmt.Errorf("server.drain_timeout must be positive")
	}
	if c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must not exceed 5m")
	}
	if c.Server.ForceExitTimeout < c.Server.DrainTimeout {
		return fmt.Errorf("server.force_exit_timeout must be at least server.drain_timeout")
	}
	if c.Server.StaticDir != "" {
		if fi, err := os.Stat(c.Server.StaticDir); err != nil || !fi.IsDir() {
			return fmt.Errorf("server.static_dir %q is not a directory", c.Server.StaticDir)
		}
	}

	// Chat validation
	if c.Chat.MaxMessageSize <= 0 || c.Chat.MaxMessageSize > 16777216 {
		return fmt.Errorf("chat.max_message_size must be between 1 and 16777216 (16MB)")
	}
	if c.Chat.MaxContentLength <= 0 {
		return fmt.Errorf("chat.max_content_length must be positive")
	}
	if c.Chat.SendQueueSize <= 0 {
		return fmt.Errorf("chat.send_queue_size must be positive")
	}
	if c.Chat.WriteTimeout <= 0 || c.Chat.WriteTimeout > 5*time.Minute {
		return fmt.Errorf("chat.write_timeout must be positive and not exceed 5m")
	}
	if c.Chat.HistoryLimit <= 0 {
		return fmt.Errorf("chat.history_limit must be positive")
	}

	// Document validation
	if c.Document.MaxFrameSize <= 0 || c.Document.MaxFrameSize > 67108864 {
		return fmt.Errorf("document.max_frame_size must be between 1 and 67108864 (64MB)")
	}
	if c.Document.SendQueueSize <= 0 {
		return fmt.Errorf("document.send_queue_size must be positive")
	}
	if c.Document.WriteTimeout <= 0 || c.Document.WriteTimeout > 5*time.Minute {
		return fmt.Errorf("document.write_timeout must be positive and not exceed 5m")
	}

	// Store validation
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver must be one of: memory, sqlite, postgres")
	}
	if c.Store.PersistTimeout <= 0 {
		return fmt.Errorf("store.persist_timeout must be positive")
	}
	if c.Store.PersistTimeout > time.Minute {
		return fmt.Errorf("store.persist_timeout must not exceed 1m")
	}
	if c.Store.Breaker.Enabled && c.Store.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("store.breaker.failure_threshold must be positive when the breaker is enabled")
	}

	// Security validation
	for _, cidr := range c.Security.AllowedNetworks {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.allowed_networks: %q is not a CIDR: %w", cidr, err)
		}
	}
	if c.Security.JWTSecret != "" && len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters")
	}
	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
		}
		if c.Security.RateLimit.APIRequestsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.api_requests_per_minute must be positive")
		}
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	if c.Logging.RingSize < 0 {
		return fmt.Errorf("logging.ring_size must not be negative")
	}

	// Health validation
	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		host, _, err := net.SplitHostPort(c.Health.ListenAddress)
		if err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics")
		}
		if c.Server.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("server.listen_address and health.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies ROOMRELAY_ prefixed environment variables.
// Convention: ROOMRELAY_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"ROOMRELAY_SERVER_LISTEN_ADDRESS":   func(v string) { cfg.Server.ListenAddress = v },
		"ROOMRELAY_SERVER_STATIC_DIR":       func(v string) { cfg.Server.StaticDir = v },
		"ROOMRELAY_SERVER_ALLOWED_ORIGINS":  func(v string) { cfg.Server.AllowedOrigins = splitList(v) },
		"ROOMRELAY_SERVER_DRAIN_TIMEOUT":    func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"ROOMRELAY_SERVER_FORCE_EXIT_TIMEOUT": func(v string) {
			cfg.Server.ForceExitTimeout = parseDuration(v, cfg.Server.ForceExitTimeout)
		},
		"ROOMRELAY_CHAT_MAX_MESSAGE_SIZE":   func(v string) { cfg.Chat.MaxMessageSize = parseInt64(v, cfg.Chat.MaxMessageSize) },
		"ROOMRELAY_CHAT_WRITE_TIMEOUT":      func(v string) { cfg.Chat.WriteTimeout = parseDuration(v, cfg.Chat.WriteTimeout) },
		"ROOMRELAY_CHAT_PING_INTERVAL":      func(v string) { cfg.Chat.PingInterval = parseDuration(v, cfg.Chat.PingInterval) },
		"ROOMRELAY_DOCUMENT_MAX_FRAME_SIZE": func(v string) { cfg.Document.MaxFrameSize = parseInt64(v, cfg.Document.MaxFrameSize) },
		"ROOMRELAY_STORE_DRIVER":            func(v string) { cfg.Store.Driver = v },
		"ROOMRELAY_STORE_DSN":               func(v string) { cfg.Store.DSN = v },
		"ROOMRELAY_STORE_PERSIST_TIMEOUT":   func(v string) { cfg.Store.PersistTimeout = parseDuration(v, cfg.Store.PersistTimeout) },
		"ROOMRELAY_SECURITY_AUTH_TOKEN":     func(v string) { cfg.Security.AuthToken = v },
		"ROOMRELAY_SECURITY_JWT_SECRET":     func(v string) { cfg.Security.JWTSecret = v },
		"ROOMRELAY_SECURITY_ALLOWED_NETWORKS": func(v string) {
			cfg.Security.AllowedNetworks = splitList(v)
		},
		"ROOMRELAY_SECURITY_MAX_CONNECTIONS": func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"ROOMRELAY_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) {
			cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP)
		},
		"ROOMRELAY_SECURITY_RATE_LIMIT_ENABLED": func(v string) {
			cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled)
		},
		"ROOMRELAY_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"ROOMRELAY_LOGGING_LEVEL":         func(v string) { cfg.Logging.Level = v },
		"ROOMRELAY_LOGGING_FORMAT":        func(v string) { cfg.Logging.Format = v },
		"ROOMRELAY_LOGGING_FILE":          func(v string) { cfg.Logging.File = v },
		"ROOMRELAY_HEALTH_ENABLED":        func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"ROOMRELAY_HEALTH_LISTEN_ADDRESS": func(v string) { cfg.Health.ListenAddress = v },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// applyPort replaces the port of server.listen_address with PORT when set.
func applyPort(cfg *Config, port string) error {
	if port == "" {
		return nil
	}
	var n int
	if _, err := fmt.Sscanf(port, "%d", &n); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("PORT %q is not a valid port", port)
	}
	host, _, err := net.SplitHostPort(cfg.Server.ListenAddress)
	if err != nil {
		host = ""
	}
	cfg.Server.ListenAddress = net.JoinHostPort(host, port)
	return nil
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen_address, store, health.listen_address, allowed_origins
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.AuthToken = newCfg.Security.AuthToken
	updated.Security.AllowedNetworks = newCfg.Security.AllowedNetworks
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Logging.Level = newCfg.Logging.Level
	updated.Chat.MaxMessageSize = newCfg.Chat.MaxMessageSize
	updated.Chat.MaxContentLength = newCfg.Chat.MaxContentLength
	updated.Document.MaxFrameSize = newCfg.Document.MaxFrameSize
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if !reflect.DeepEqual(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		warnings = append(warnings, "server.allowed_origins requires restart")
	}
	if !reflect.DeepEqual(old.Store, new.Store) {
		warnings = append(warnings, "store requires restart")
	}
	if old.Security.JWTSecret != new.Security.JWTSecret {
		warnings = append(warnings, "security.jwt_secret requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
