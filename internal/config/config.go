// Package config loads orchestrator configuration from hardcoded defaults,
// an optional TOML file, and environment variables, in that increasing
// order of precedence — the same pattern the teacher's MCP server uses for
// its own config.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration for the orchestrator server.
// Precedence: environment variables > config file > defaults.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Token       TokenConfig       `toml:"token"`
	Persistence PersistenceConfig `toml:"persistence"`
	Log         LogConfig         `toml:"log"`
}

// ServerConfig holds HTTP listen settings.
type ServerConfig struct {
	Host        string `toml:"host"`
	Port        string `toml:"port"`
	CORSOrigins string `toml:"cors_origins"` // comma-separated; "*" allows any origin
}

// TokenConfig holds phase-token signing settings.
type TokenConfig struct {
	Secret     string `toml:"-"` // never read from file; ORCHESTRATOR_JWT_SECRET only
	TTLSeconds int    `toml:"ttl_seconds"`
}

// PersistenceConfig holds the on-disk layout for session state, the
// coordination store, and the audit log.
type PersistenceConfig struct {
	SessionsDir string `toml:"sessions_dir"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// Load creates a Config by reading from a TOML config file and environment
// variables.
//
// Config file search order (first found wins):
//  1. Path passed via the configPath parameter
//  2. ORCHESTRATOR_CONFIG environment variable
//  3. ./orchestrator.toml (current directory)
//  4. ~/.config/orchestrator/orchestrator.toml (XDG-style)
//
// All fields are optional in the config file except the JWT signing secret,
// which is never read from the file at all — it must come from
// ORCHESTRATOR_JWT_SECRET, and its absence is a fatal startup error.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        "8080",
			CORSOrigins: "*",
		},
		Token: TokenConfig{
			TTLSeconds: 900,
		},
		Persistence: PersistenceConfig{
			SessionsDir: ".orchestrator/sessions",
		},
		Log: LogConfig{
			Level: "info",
		},
	}

	if err := cfg.loadFile(configPath); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(configPath string) error {
	path := resolveConfigPath(configPath)
	if path == "" {
		return nil // no config file found; rely on defaults + env
	}

	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	return nil
}

// resolveConfigPath determines which config file to use. Returns empty
// string if no config file is found (config file is optional).
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}

	if p := os.Getenv("ORCHESTRATOR_CONFIG"); p != "" {
		return p
	}

	if _, err := os.Stat("orchestrator.toml"); err == nil {
		return "orchestrator.toml"
	}

	if home, err := os.UserHomeDir(); err == nil {
		p := home + "/.config/orchestrator/orchestrator.toml"
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// applyEnv overlays environment variables on top of existing config values.
// An env var only takes effect if it is non-empty.
func (c *Config) applyEnv() {
	envOverride("ORCHESTRATOR_HOST", &c.Server.Host)
	envOverride("ORCHESTRATOR_PORT", &c.Server.Port)
	envOverride("ORCHESTRATOR_CORS_ORIGINS", &c.Server.CORSOrigins)
	envOverride("ORCHESTRATOR_SESSIONS_DIR", &c.Persistence.SessionsDir)
	envOverride("ORCHESTRATOR_LOG_LEVEL", &c.Log.Level)

	c.Token.Secret = os.Getenv("ORCHESTRATOR_JWT_SECRET")

	if v := os.Getenv("ORCHESTRATOR_TOKEN_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Token.TTLSeconds = n
		}
	}
}

// Validate checks that required fields are present. The JWT secret is
// mandatory: per spec.md §6, its absence is a fatal startup error, never a
// degraded/no-auth mode.
func (c *Config) Validate() error {
	if c.Token.Secret == "" {
		return fmt.Errorf("ORCHESTRATOR_JWT_SECRET is required and must not be empty")
	}
	return nil
}

// envOverride sets *dst to the value of the named env var, if it is
// non-empty.
func envOverride(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
