// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/nyx-proxy/config.toml",
	"configs/config.toml",
}

// apiKeyEnv is the variable read from --env-file when no key was given elsewhere.
const apiKeyEnv = "NYX_API_KEY"

// ReservedPaths are routes owned by the proxy itself.
var ReservedPaths = []string{"/healthz", "/proxy/status", "/api/warmup"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	APIKey     string `kong:"help='Backend signing key (overrides config).',env='NYX_API_KEY'"`
	BackendURL string `kong:"help='Backend base URL (overrides config).',env='BACKEND_URL'"`
	EnvFile    string `kong:"help='Dotenv file to read NYX_API_KEY from.',env='ENV_FILE'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig     `toml:"server"`
	Backend   BackendConfig    `toml:"backend"`
	Access    AccessConfig     `toml:"access"`
	Endpoints []EndpointConfig `toml:"endpoints"`
	Log       LogConfig        `toml:"log"`
	Metrics   MetricsConfig    `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig holds the image-processing backend location and credentials.
type BackendConfig struct {
	BaseURL              string `toml:"base_url"`
	APIKey               string `toml:"api_key"`
	UserAgent            string `toml:"user_agent"`
	IdleConnections      int    `toml:"idle_connections"`
	WarmupTimeoutSeconds int    `toml:"warmup_timeout_seconds"`
}

// AccessConfig drives the origin gate in front of every proxy endpoint.
type AccessConfig struct {
	AllowedDomains []string `toml:"allowed_domains"`
	// DebugHeader set to DebugValue bypasses the gate. Leave empty to disable.
	DebugHeader string `toml:"debug_header"`
	DebugValue  string `toml:"debug_value"`
}

// EndpointConfig declares one proxy entry point.
type EndpointConfig struct {
	Path           string `toml:"path"`
	TargetPath     string `toml:"target_path"`
	Profile        string `toml:"profile"`
	MaxRetries     *int   `toml:"max_retries"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxBodyBytes   int64  `toml:"max_body_bytes"`
	DryRun         bool   `toml:"dry_run"`
	Extractor      string `toml:"extractor"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/nyx-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if cli.EnvFile != "" && cfg.Backend.APIKey == "" {
		if err := cfg.applyEnvFile(cli.EnvFile); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.APIKey != "" {
		c.Backend.APIKey = cli.APIKey
	}
	if cli.BackendURL != "" {
		c.Backend.BaseURL = cli.BackendURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// applyEnvFile fills the signing key from a dotenv file.
func (c *Config) applyEnvFile(path string) error {
	vars, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("read env file %s: %w", path, err)
	}
	c.Backend.APIKey = vars[apiKeyEnv]
	return nil
}

func (c *Config) validate() error {
	if c.Backend.APIKey == "YOUR_API_KEY_HERE" {
		return fmt.Errorf("backend.api_key contains placeholder value; set a real key")
	}

	// Backend URL: required and must be HTTPS.
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return fmt.Errorf("backend.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("backend.base_url must use HTTPS; got %q", c.Backend.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Backend.IdleConnections < 0 {
		return fmt.Errorf("backend.idle_connections must be non-negative; got %d", c.Backend.IdleConnections)
	}
	if c.Backend.WarmupTimeoutSeconds < 0 {
		return fmt.Errorf("backend.warmup_timeout_seconds must be non-negative; got %d", c.Backend.WarmupTimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Access gate.
	if len(c.Access.AllowedDomains) == 0 {
		return fmt.Errorf("access.allowed_domains must list at least one domain")
	}
	for _, d := range c.Access.AllowedDomains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("access.allowed_domains must not contain empty entries")
		}
	}
	if c.Access.DebugHeader != "" && c.Access.DebugValue == "" {
		return fmt.Errorf("access.debug_value is required when access.debug_header is set")
	}

	if err := c.validateEndpoints(); err != nil {
		return err
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range c.routes() {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) validateEndpoints() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one [[endpoints]] entry is required")
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Path == "" || ep.Path[0] != '/' {
			return fmt.Errorf("endpoints[%d].path must start with '/'; got %q", i, ep.Path)
		}
		if seen[ep.Path] {
			return fmt.Errorf("endpoints[%d].path %q is declared twice", i, ep.Path)
		}
		seen[ep.Path] = true
		for _, reserved := range ReservedPaths {
			if ep.Path == reserved {
				return fmt.Errorf("endpoints[%d].path %q conflicts with reserved route", i, ep.Path)
			}
		}
		if ep.TargetPath != "" && ep.TargetPath[0] != '/' {
			return fmt.Errorf("endpoints[%d].target_path must start with '/'; got %q", i, ep.TargetPath)
		}
		if ep.Profile != "" {
			if _, ok := profiles[ep.Profile]; !ok {
				return fmt.Errorf("endpoints[%d].profile must be one of: %s; got %q", i, strings.Join(ProfileNames(), ", "), ep.Profile)
			}
		}
		if ep.MaxRetries != nil && *ep.MaxRetries < 0 {
			return fmt.Errorf("endpoints[%d].max_retries must be non-negative; got %d", i, *ep.MaxRetries)
		}
		if ep.TimeoutSeconds < 0 {
			return fmt.Errorf("endpoints[%d].timeout_seconds must be non-negative; got %d", i, ep.TimeoutSeconds)
		}
		if ep.MaxBodyBytes < 0 {
			return fmt.Errorf("endpoints[%d].max_body_bytes must be non-negative; got %d", i, ep.MaxBodyBytes)
		}
		limit := ep.MaxBodyBytes
		if limit == 0 {
			limit = DefaultMaxBodyBytes
		}
		if c.Server.BodyMaxBytes > 0 && limit > c.Server.BodyMaxBytes {
			return fmt.Errorf("endpoints[%d].max_body_bytes %d exceeds server.body_max_bytes %d", i, limit, c.Server.BodyMaxBytes)
		}
		switch ep.Extractor {
		case "", "none", "stego":
			// valid
		default:
			return fmt.Errorf("endpoints[%d].extractor must be one of: none, stego; got %q", i, ep.Extractor)
		}
	}
	return nil
}

// routes lists every path the proxy serves besides the metrics endpoint.
func (c *Config) routes() []string {
	out := append([]string(nil), ReservedPaths...)
	for _, ep := range c.Endpoints {
		out = append(out, ep.Path)
	}
	return out
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Backend.UserAgent == "" {
		c.Backend.UserAgent = "NyxAi"
	}
	if c.Backend.IdleConnections == 0 {
		c.Backend.IdleConnections = 100
	}
	if c.Backend.WarmupTimeoutSeconds == 0 {
		c.Backend.WarmupTimeoutSeconds = 10
	}
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.TargetPath == "" {
			ep.TargetPath = ep.Path
		}
		if ep.Profile == "" {
			ep.Profile = ProfilePatient
		}
		if ep.MaxBodyBytes == 0 {
			ep.MaxBodyBytes = DefaultMaxBodyBytes
		}
		if ep.Extractor == "" {
			ep.Extractor = "none"
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// URL joins the backend base URL with path.
func (b *BackendConfig) URL(path string) string {
	return strings.TrimRight(b.BaseURL, "/") + path
}

// WarmupTimeout returns the warmup probe timeout.
func (b *BackendConfig) WarmupTimeout() time.Duration {
	return time.Duration(b.WarmupTimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnMissingKey logs a deployment error when no signing key is configured.
// The proxy still starts; every proxied request is answered with 500.
func (c *Config) WarnMissingKey(logger *slog.Logger) {
	if c.Backend.APIKey == "" {
		logger.Error("backend.api_key is not set; proxy endpoints will answer 500 until it is configured")
	}
}
