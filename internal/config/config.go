// Package config loads and validates the schoolfront configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend kinds
const (
	BackendREST = "rest"
	BackendOIDC = "oidc"
)

// Config represents the complete application configuration
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Backend BackendConfig `yaml:"backend"`
	OIDC    OIDCConfig    `yaml:"oidc"`
	Auth    AuthConfig    `yaml:"auth"`
	Cookie  CookieConfig  `yaml:"cookie"`
	CORS    CORSConfig    `yaml:"cors"`
	TLS     TLSConfig     `yaml:"tls"`
	Log     LogConfig     `yaml:"log"`
}

// ListenConfig defines where the web frontend listens
type ListenConfig struct {
	HTTP string `yaml:"http"` // HTTP server address (e.g., ":8080")
}

// BackendConfig describes the remote school-management API
type BackendConfig struct {
	Kind            string `yaml:"kind"`              // rest or oidc
	BaseURL         string `yaml:"base_url"`          // e.g. http://127.0.0.1:8000
	TokenPath       string `yaml:"token_path"`        // credential exchange endpoint
	CurrentUserPath string `yaml:"current_user_path"` // profile endpoint
	StudentsPath    string `yaml:"students_path"`     // student records collection
	RequestTimeout  int    `yaml:"request_timeout"`   // seconds
	RetryAttempts   int    `yaml:"retry_attempts"`    // attempts for idempotent requests
}

// OIDCConfig defines OIDC/OAuth2 settings for the identity-provider backend variant
type OIDCConfig struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURI  string   `yaml:"redirect_uri"` // SSO callback URL; empty disables browser SSO
	Scopes       []string `yaml:"scopes"`
	RoleClaim    string   `yaml:"role_claim"` // gjson path to roles in userinfo/access token
}

// AuthConfig defines session behavior
type AuthConfig struct {
	ProfileCacheTTL int    `yaml:"profile_cache_ttl"` // seconds, 0 disables the cache
	SSOFlowTimeout  int    `yaml:"sso_flow_timeout"`  // seconds
	TokenFile       string `yaml:"token_file"`        // CLI token storage
}

// CookieConfig controls the cookies that hold browser tokens
type CookieConfig struct {
	Secure bool   `yaml:"secure"`
	Domain string `yaml:"domain"`
}

// CORSConfig controls cross-origin access to the JSON session endpoint
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses the configuration file.
// A missing file is not an error: defaults plus environment overrides are used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// .env next to the working directory, if present
	_ = godotenv.Load()

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP: ":8080",
		},
		Backend: BackendConfig{
			Kind:            BackendREST,
			BaseURL:         "http://127.0.0.1:8000",
			TokenPath:       "/api/users/token/",
			CurrentUserPath: "/api/users/me/",
			StudentsPath:    "/api/students/",
			RequestTimeout:  15,
			RetryAttempts:   3,
		},
		OIDC: OIDCConfig{
			Scopes:    []string{"openid", "profile", "email"},
			RoleClaim: "realm_access.roles",
		},
		Auth: AuthConfig{
			ProfileCacheTTL: 60,
			SSOFlowTimeout:  300, // 5 minutes
			TokenFile:       defaultTokenFile(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "schoolfront-tokens.yaml"
	}
	return filepath.Join(dir, "schoolfront", "tokens.yaml")
}

// Timeout returns the backend request timeout as a duration
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.RequestTimeout) * time.Second
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SCHOOLFRONT_LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}

	// Backend overrides
	if v := os.Getenv("SCHOOLFRONT_BACKEND_KIND"); v != "" {
		c.Backend.Kind = v
	}
	if v := os.Getenv("SCHOOLFRONT_BACKEND_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("SCHOOLFRONT_BACKEND_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Backend.RequestTimeout = n
		}
	}

	// OIDC overrides
	if v := os.Getenv("SCHOOLFRONT_OIDC_ISSUER"); v != "" {
		c.OIDC.Issuer = v
	}
	if v := os.Getenv("SCHOOLFRONT_OIDC_CLIENT_ID"); v != "" {
		c.OIDC.ClientID = v
	}
	if v := os.Getenv("SCHOOLFRONT_OIDC_CLIENT_SECRET"); v != "" {
		c.OIDC.ClientSecret = v
	}
	if v := os.Getenv("SCHOOLFRONT_OIDC_REDIRECT_URI"); v != "" {
		c.OIDC.RedirectURI = v
	}

	if v := os.Getenv("SCHOOLFRONT_TOKEN_FILE"); v != "" {
		c.Auth.TokenFile = v
	}

	// Log overrides
	if v := os.Getenv("SCHOOLFRONT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SCHOOLFRONT_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Validate backend config
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if !isHTTPURL(c.Backend.BaseURL) {
		return fmt.Errorf("backend.base_url must be a valid HTTP(S) URL")
	}
	if c.Backend.StudentsPath == "" {
		return fmt.Errorf("backend.students_path is required")
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend.request_timeout must be positive")
	}
	if c.Backend.RequestTimeout > 120 {
		return fmt.Errorf("backend.request_timeout should not exceed 120 seconds")
	}
	if c.Backend.RetryAttempts < 1 {
		return fmt.Errorf("backend.retry_attempts must be at least 1")
	}

	switch c.Backend.Kind {
	case BackendREST:
		if c.Backend.TokenPath == "" {
			return fmt.Errorf("backend.token_path is required")
		}
		if c.Backend.CurrentUserPath == "" {
			return fmt.Errorf("backend.current_user_path is required")
		}
	case BackendOIDC:
		if err := c.OIDC.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("backend.kind must be one of: rest, oidc")
	}

	// Validate auth config
	if c.Auth.ProfileCacheTTL < 0 {
		return fmt.Errorf("auth.profile_cache_ttl must not be negative")
	}
	if c.Auth.SSOFlowTimeout <= 0 {
		return fmt.Errorf("auth.sso_flow_timeout must be positive")
	}
	if c.Auth.SSOFlowTimeout > 3600 {
		return fmt.Errorf("auth.sso_flow_timeout should not exceed 3600 seconds (1 hour)")
	}

	// Validate TLS config
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}

		// Check if files exist
		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}

	return nil
}

func (o *OIDCConfig) validate() error {
	if o.Issuer == "" {
		return fmt.Errorf("oidc.issuer is required")
	}
	if !isHTTPURL(o.Issuer) {
		return fmt.Errorf("oidc.issuer must be a valid HTTP(S) URL")
	}
	if o.ClientID == "" {
		return fmt.Errorf("oidc.client_id is required")
	}
	if o.RedirectURI != "" && !isHTTPURL(o.RedirectURI) {
		return fmt.Errorf("oidc.redirect_uri must be a valid HTTP(S) URL")
	}

	hasOpenID := false
	for _, scope := range o.Scopes {
		if scope == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return fmt.Errorf("oidc.scopes must include 'openid'")
	}
	return nil
}

// SSOEnabled reports whether browser single sign-on is configured
func (c *Config) SSOEnabled() bool {
	return c.Backend.Kind == BackendOIDC && c.OIDC.RedirectURI != ""
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	if c.OIDC.Scopes != nil {
		redacted.OIDC.Scopes = append([]string(nil), c.OIDC.Scopes...)
	}
	if c.CORS.AllowedOrigins != nil {
		redacted.CORS.AllowedOrigins = append([]string(nil), c.CORS.AllowedOrigins...)
	}
	if redacted.OIDC.ClientSecret != "" {
		redacted.OIDC.ClientSecret = "[REDACTED]"
	}
	return &redacted
}
