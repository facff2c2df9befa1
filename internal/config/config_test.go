package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Listen.HTTP != ":8080" {
		t.Errorf("expected HTTP listen :8080, got %s", cfg.Listen.HTTP)
	}

	if cfg.Backend.Kind != BackendREST {
		t.Errorf("expected backend kind rest, got %s", cfg.Backend.Kind)
	}

	if cfg.Backend.TokenPath != "/api/users/token/" {
		t.Errorf("expected token path /api/users/token/, got %s", cfg.Backend.TokenPath)
	}

	if cfg.Backend.CurrentUserPath != "/api/users/me/" {
		t.Errorf("expected current user path /api/users/me/, got %s", cfg.Backend.CurrentUserPath)
	}

	if cfg.Backend.Timeout() != 15*time.Second {
		t.Errorf("expected 15s timeout, got %s", cfg.Backend.Timeout())
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		wantErr     bool
		errContains string
	}{
		{
			name: "valid rest config",
			configYAML: `
listen:
  http: ":8080"
backend:
  kind: rest
  base_url: "http://127.0.0.1:8000"
log:
  level: "info"
  format: "json"
`,
			wantErr: false,
		},
		{
			name: "valid oidc config",
			configYAML: `
backend:
  kind: oidc
  base_url: "https://school.example.com"
oidc:
  issuer: "https://keycloak.example.com/realms/school"
  client_id: "schoolfront"
  redirect_uri: "https://front.example.com/callback"
`,
			wantErr: false,
		},
		{
			name: "unknown backend kind",
			configYAML: `
backend:
  kind: graphql
`,
			wantErr:     true,
			errContains: "backend.kind must be one of",
		},
		{
			name: "oidc missing issuer",
			configYAML: `
backend:
  kind: oidc
oidc:
  client_id: "schoolfront"
`,
			wantErr:     true,
			errContains: "issuer is required",
		},
		{
			name: "oidc missing client_id",
			configYAML: `
backend:
  kind: oidc
oidc:
  issuer: "https://keycloak.example.com/realms/school"
`,
			wantErr:     true,
			errContains: "client_id is required",
		},
		{
			name: "oidc scopes missing openid",
			configYAML: `
backend:
  kind: oidc
oidc:
  issuer: "https://keycloak.example.com/realms/school"
  client_id: "schoolfront"
  scopes:
    - profile
`,
			wantErr:     true,
			errContains: "must include 'openid'",
		},
		{
			name: "base url without scheme",
			configYAML: `
backend:
  base_url: "127.0.0.1:8000"
`,
			wantErr:     true,
			errContains: "valid HTTP(S) URL",
		},
		{
			name: "invalid log level",
			configYAML: `
log:
  level: "verbose"
`,
			wantErr:     true,
			errContains: "log.level must be one of",
		},
		{
			name: "invalid yaml",
			configYAML: `
this is not: valid: yaml:
  bad: [syntax
`,
			wantErr:     true,
			errContains: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.configYAML))

			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error containing '%s', got nil", tt.errContains)
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error = %v, want error containing %v", err, tt.errContains)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if cfg == nil {
					t.Error("expected config, got nil")
				}
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.BaseURL != "http://127.0.0.1:8000" {
		t.Errorf("expected default base URL, got %s", cfg.Backend.BaseURL)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SCHOOLFRONT_BACKEND_URL", "https://api.school.example.com")
	t.Setenv("SCHOOLFRONT_BACKEND_TIMEOUT", "30")
	t.Setenv("SCHOOLFRONT_LOG_LEVEL", "debug")
	t.Setenv("SCHOOLFRONT_TOKEN_FILE", "/tmp/tokens.yaml")

	configYAML := `
backend:
  base_url: "http://127.0.0.1:8000"
log:
  level: "info"
`

	cfg, err := Load(writeConfig(t, configYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Backend.BaseURL != "https://api.school.example.com" {
		t.Errorf("expected env base URL, got '%s'", cfg.Backend.BaseURL)
	}

	if cfg.Backend.RequestTimeout != 30 {
		t.Errorf("expected timeout 30, got %d", cfg.Backend.RequestTimeout)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got '%s'", cfg.Log.Level)
	}

	if cfg.Auth.TokenFile != "/tmp/tokens.yaml" {
		t.Errorf("expected token file override, got '%s'", cfg.Auth.TokenFile)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "request timeout too high",
			modify: func(c *Config) {
				c.Backend.RequestTimeout = 600
			},
			wantErr: true,
			errMsg:  "should not exceed 120",
		},
		{
			name: "request timeout zero",
			modify: func(c *Config) {
				c.Backend.RequestTimeout = 0
			},
			wantErr: true,
			errMsg:  "must be positive",
		},
		{
			name: "no retry attempts",
			modify: func(c *Config) {
				c.Backend.RetryAttempts = 0
			},
			wantErr: true,
			errMsg:  "retry_attempts must be at least 1",
		},
		{
			name: "negative profile cache ttl",
			modify: func(c *Config) {
				c.Auth.ProfileCacheTTL = -1
			},
			wantErr: true,
			errMsg:  "profile_cache_ttl",
		},
		{
			name: "rest without token path",
			modify: func(c *Config) {
				c.Backend.TokenPath = ""
			},
			wantErr: true,
			errMsg:  "token_path is required",
		},
		{
			name: "TLS enabled without cert",
			modify: func(c *Config) {
				c.TLS.Enabled = true
				c.TLS.CertFile = ""
			},
			wantErr: true,
			errMsg:  "are required when TLS is enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()

			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error containing '%s', got nil", tt.errMsg)
				} else if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error = %v, want error containing %v", err, tt.errMsg)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
		})
	}
}

func TestSSOEnabled(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SSOEnabled() {
		t.Error("rest backend should not enable SSO")
	}

	cfg.Backend.Kind = BackendOIDC
	if cfg.SSOEnabled() {
		t.Error("SSO without redirect URI should be disabled")
	}

	cfg.OIDC.RedirectURI = "https://front.example.com/callback"
	if !cfg.SSOEnabled() {
		t.Error("expected SSO to be enabled")
	}
}

func TestRedact(t *testing.T) {
	cfg := &Config{
		OIDC: OIDCConfig{
			ClientSecret: "super-secret",
			Scopes:       []string{"openid"},
		},
	}

	redacted := cfg.Redact()

	if redacted.OIDC.ClientSecret != "[REDACTED]" {
		t.Errorf("expected [REDACTED], got %s", redacted.OIDC.ClientSecret)
	}

	// Original should be unchanged
	if cfg.OIDC.ClientSecret != "super-secret" {
		t.Errorf("original was modified")
	}

	redacted.OIDC.Scopes[0] = "changed"
	if cfg.OIDC.Scopes[0] != "openid" {
		t.Errorf("redacted copy shares scopes with the original")
	}
}

func TestSetupLogging(t *testing.T) {
	old := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(old)
	})

	SetupLogging(&LogConfig{Level: "debug", Format: "json"})
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug logs to be enabled")
	}

	SetupLogging(&LogConfig{Level: "error", Format: "text"})
	if slog.Default().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info logs to be disabled at error level")
	}
	if !slog.Default().Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error logs to be enabled")
	}
}
