package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server    ServerSection    `toml:"server"`
	Limits    LimitsSection    `toml:"limits"`
	Assistant AssistantSection `toml:"assistant"`
}

type ServerSection struct {
	HTTPPort     int    `toml:"http_port"`
	DatabasePath string `toml:"database_path"`
	DataDir      string `toml:"data_dir"`
	MetricsPath  string `toml:"metrics_path"`
}

type LimitsSection struct {
	MaxBodyBytes             int64 `toml:"max_body_bytes"`
	MaxInvitationsPerRequest int   `toml:"max_invitations_per_request"`
	SessionTTLHours          int   `toml:"session_ttl_hours"`
	TokenCleanupMinutes      int   `toml:"token_cleanup_minutes"`
	SearchLimit              int   `toml:"search_limit"`
}

type AssistantSection struct {
	DefaultModel     string `toml:"default_model"`
	ChunkDelayMillis int    `toml:"chunk_delay_ms"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     8080,
			DatabasePath: "~/.cipherchat/cipherchat.db",
			MetricsPath:  "/metrics",
		},
		Limits: LimitsSection{
			MaxBodyBytes:             1 << 20, // 1 MB
			MaxInvitationsPerRequest: 50,
			SessionTTLHours:          24 * 30,
			TokenCleanupMinutes:      60,
			SearchLimit:              20,
		},
		Assistant: AssistantSection{
			DefaultModel:     "echo",
			ChunkDelayMillis: 20,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only config location is not fatal; run with defaults
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	// Start from defaults so keys missing from older files keep sane values
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: CIPHERCHAT_SECTION_KEY
// Example: CIPHERCHAT_SERVER_HTTP_PORT=9000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("CIPHERCHAT_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("CIPHERCHAT_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("CIPHERCHAT_SERVER_DATA_DIR"); val != "" {
		config.Server.DataDir = val
	}
	if val, ok := os.LookupEnv("CIPHERCHAT_SERVER_METRICS_PATH"); ok {
		config.Server.MetricsPath = val
	}

	// Limits section
	if val := os.Getenv("CIPHERCHAT_LIMITS_MAX_BODY_BYTES"); val != "" {
		if limit, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.Limits.MaxBodyBytes = limit
		}
	}
	if val := os.Getenv("CIPHERCHAT_LIMITS_MAX_INVITATIONS_PER_REQUEST"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxInvitationsPerRequest = limit
		}
	}
	if val := os.Getenv("CIPHERCHAT_LIMITS_SESSION_TTL_HOURS"); val != "" {
		if hours, err := strconv.Atoi(val); err == nil {
			config.Limits.SessionTTLHours = hours
		}
	}
	if val := os.Getenv("CIPHERCHAT_LIMITS_TOKEN_CLEANUP_MINUTES"); val != "" {
		if minutes, err := strconv.Atoi(val); err == nil {
			config.Limits.TokenCleanupMinutes = minutes
		}
	}
	if val := os.Getenv("CIPHERCHAT_LIMITS_SEARCH_LIMIT"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.SearchLimit = limit
		}
	}

	// Assistant section
	if val := os.Getenv("CIPHERCHAT_ASSISTANT_DEFAULT_MODEL"); val != "" {
		config.Assistant.DefaultModel = val
	}
	if val := os.Getenv("CIPHERCHAT_ASSISTANT_CHUNK_DELAY_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Assistant.ChunkDelayMillis = ms
		}
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# CipherChat Server Configuration
# This file was auto-generated with default values
# The server stores ciphertext and public keys only; it never sees a passkey
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# CIPHERCHAT_SECTION_KEY (e.g., CIPHERCHAT_SERVER_HTTP_PORT=9000)

[server]
# Port for the HTTP API and websocket relay
http_port = 8080

# Path to SQLite database file
database_path = "~/.cipherchat/cipherchat.db"

# Directory for errors.log, server.log and debug.log
# Defaults to $XDG_DATA_HOME/cipherchat or ~/.local/share/cipherchat
# data_dir = "/var/lib/cipherchat"

# Path the Prometheus metrics are served on (empty disables)
metrics_path = "/metrics"

[limits]
# Maximum request body size in bytes
max_body_bytes = 1048576

# Maximum invitations stored in one request
max_invitations_per_request = 50

# Bearer token lifetime in hours
session_ttl_hours = 720

# How often expired tokens are purged, in minutes
# token_cleanup_minutes = 60

# Maximum results returned by user search
# search_limit = 20

[assistant]
# Model reported by the built-in echo assistant when the request names none
default_model = "echo"

# Delay between streamed chunks in milliseconds
chunk_delay_ms = 20
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if strings.TrimSpace(c.Server.DataDir) != "" {
		cfg.DataDir = c.Server.DataDir
	}
	cfg.MetricsPath = strings.TrimSpace(c.Server.MetricsPath)

	if c.Limits.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = c.Limits.MaxBodyBytes
	}
	if c.Limits.MaxInvitationsPerRequest > 0 {
		cfg.MaxInvitationsPerRequest = c.Limits.MaxInvitationsPerRequest
	}
	if c.Limits.SessionTTLHours > 0 {
		cfg.SessionTTL = time.Duration(c.Limits.SessionTTLHours) * time.Hour
	}
	if c.Limits.TokenCleanupMinutes > 0 {
		cfg.TokenCleanupInterval = time.Duration(c.Limits.TokenCleanupMinutes) * time.Minute
	}
	if c.Limits.SearchLimit > 0 {
		cfg.SearchLimit = c.Limits.SearchLimit
	}

	if strings.TrimSpace(c.Assistant.DefaultModel) != "" {
		cfg.DefaultModel = c.Assistant.DefaultModel
	}
	if c.Assistant.ChunkDelayMillis >= 0 {
		cfg.ChunkDelay = time.Duration(c.Assistant.ChunkDelayMillis) * time.Millisecond
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
