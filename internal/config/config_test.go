package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/cody/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENT_ENGINE", "echo")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr() != "127.0.0.1:8000" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if cfg.DBPath != "./data/sessions.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.DefaultMode != domain.PermissionSecure {
		t.Errorf("DefaultMode = %q", cfg.DefaultMode)
	}
	if cfg.PermissionTimeout != 0 {
		t.Errorf("PermissionTimeout = %v, want 0", cfg.PermissionTimeout)
	}
	if cfg.Sandbox.Enabled || cfg.Sandbox.TTL != 30*time.Minute {
		t.Errorf("Sandbox = %+v", cfg.Sandbox)
	}
	if !cfg.TitleGeneration || cfg.LogLevel != slog.LevelInfo {
		t.Errorf("TitleGeneration = %v, LogLevel = %v", cfg.TitleGeneration, cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AGENT_ENGINE", "Anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("PORT", "9000")
	t.Setenv("PERMISSION_TIMEOUT", "90")
	t.Setenv("SANDBOX_ENABLED", "yes")
	t.Setenv("SANDBOX_TTL", "5m")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEFAULT_PERMISSION_MODE", "free")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine != EngineAnthropic || cfg.Port != "9000" {
		t.Errorf("Engine = %q, Port = %q", cfg.Engine, cfg.Port)
	}
	if cfg.PermissionTimeout != 90*time.Second {
		t.Errorf("PermissionTimeout = %v", cfg.PermissionTimeout)
	}
	if !cfg.Sandbox.Enabled || cfg.Sandbox.TTL != 5*time.Minute {
		t.Errorf("Sandbox = %+v", cfg.Sandbox)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.DefaultMode != domain.PermissionFree {
		t.Errorf("LogLevel = %v, DefaultMode = %q", cfg.LogLevel, cfg.DefaultMode)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "anthropic without key", env: map[string]string{"AGENT_ENGINE": "anthropic"}, wantErr: "ANTHROPIC_API_KEY"},
		{name: "remote without addr", env: map[string]string{"AGENT_ENGINE": "remote"}, wantErr: "REMOTE_AGENT_ADDR"},
		{name: "unknown engine", env: map[string]string{"AGENT_ENGINE": "gpt"}, wantErr: "AGENT_ENGINE"},
		{name: "bad mode", env: map[string]string{"AGENT_ENGINE": "echo", "DEFAULT_PERMISSION_MODE": "yolo"}, wantErr: "DEFAULT_PERMISSION_MODE"},
		{name: "empty port", env: map[string]string{"AGENT_ENGINE": "echo", "PORT": ""}, wantErr: "PORT"},
		{name: "remote ok", env: map[string]string{"AGENT_ENGINE": "remote", "REMOTE_AGENT_ADDR": "localhost:50051"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ANTHROPIC_API_KEY", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := &Config{FrontendURL: "https://cody.example.com/"}
	if got := cfg.AllowedOrigins(); len(got) != 1 || got[0] != "https://cody.example.com" {
		t.Fatalf("AllowedOrigins() = %v", got)
	}
	cfg.FrontendURL = "http://localhost:5173"
	if got := cfg.AllowedOrigins(); got[0] != "*" {
		t.Fatalf("dev AllowedOrigins() = %v", got)
	}
}
