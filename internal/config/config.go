// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/cody/internal/domain"
)

// Engine names accepted by AGENT_ENGINE.
const (
	EngineAnthropic = "anthropic"
	EngineRemote    = "remote"
	EngineEcho      = "echo"
)

// Config holds all application configuration.
type Config struct {
	Host        string
	Port        string
	DBPath      string
	AuthToken   string // empty disables authentication
	FrontendURL string
	LogLevel    slog.Level

	Engine            string
	Anthropic         AnthropicConfig
	RemoteAgentAddr   string
	TitleGeneration   bool
	DefaultMode       domain.PermissionMode
	PermissionTimeout time.Duration // 0 waits until the run is stopped

	Sandbox SandboxConfig
}

// AnthropicConfig configures the Anthropic engine.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTurns  int
	MaxTokens int
}

// SandboxConfig controls the Docker sandbox for shell tools.
type SandboxConfig struct {
	Enabled bool
	Image   string
	Runtime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	TTL     time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Host:        getEnv("HOST", "127.0.0.1"),
		Port:        getEnv("PORT", "8000"),
		DBPath:      getEnv("DB_PATH", "./data/sessions.db"),
		AuthToken:   getEnv("AUTH_TOKEN", ""),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),

		Engine: strings.ToLower(getEnv("AGENT_ENGINE", EngineAnthropic)),
		Anthropic: AnthropicConfig{
			APIKey:    getEnv("ANTHROPIC_API_KEY", ""),
			BaseURL:   getEnv("ANTHROPIC_BASE_URL", ""),
			Model:     getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
			MaxTurns:  getEnvInt("AGENT_MAX_TURNS", 50),
			MaxTokens: getEnvInt("AGENT_MAX_TOKENS", 8192),
		},
		RemoteAgentAddr:   getEnv("REMOTE_AGENT_ADDR", ""),
		TitleGeneration:   getEnvBool("TITLE_GENERATION", true),
		DefaultMode:       domain.PermissionMode(getEnv("DEFAULT_PERMISSION_MODE", string(domain.PermissionSecure))),
		PermissionTimeout: getEnvDuration("PERMISSION_TIMEOUT", 0),

		Sandbox: SandboxConfig{
			Enabled: getEnvBool("SANDBOX_ENABLED", false),
			Image:   getEnv("SANDBOX_IMAGE", "ubuntu:24.04"),
			Runtime: getEnv("SANDBOX_RUNTIME", ""),
			TTL:     getEnvDuration("SANDBOX_TTL", 30*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if !c.DefaultMode.Valid() {
		return fmt.Errorf("DEFAULT_PERMISSION_MODE must be %q or %q, got %q",
			domain.PermissionSecure, domain.PermissionFree, c.DefaultMode)
	}
	if c.PermissionTimeout < 0 {
		return fmt.Errorf("PERMISSION_TIMEOUT must not be negative")
	}

	switch c.Engine {
	case EngineAnthropic:
		if c.Anthropic.APIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for the %s engine", EngineAnthropic)
		}
		if c.Anthropic.MaxTurns <= 0 || c.Anthropic.MaxTokens <= 0 {
			return fmt.Errorf("AGENT_MAX_TURNS and AGENT_MAX_TOKENS must be > 0")
		}
	case EngineRemote:
		if c.RemoteAgentAddr == "" {
			return fmt.Errorf("REMOTE_AGENT_ADDR is required for the %s engine", EngineRemote)
		}
	case EngineEcho:
	default:
		return fmt.Errorf("AGENT_ENGINE must be one of %s, %s, %s; got %q",
			EngineAnthropic, EngineRemote, EngineEcho, c.Engine)
	}

	if c.Sandbox.Enabled {
		if c.Sandbox.Image == "" {
			return fmt.Errorf("SANDBOX_IMAGE cannot be empty when the sandbox is enabled")
		}
		if c.Sandbox.TTL <= 0 {
			return fmt.Errorf("SANDBOX_TTL must be > 0")
		}
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
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

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
