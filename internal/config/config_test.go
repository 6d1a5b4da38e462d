package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// minimalTOML holds the sections every valid config needs.
const minimalTOML = `
[backend]
base_url = "https://backend.example.com"
api_key = "test-key-12345"

[access]
allowed_domains = ["nyxagent.dev", "localhost"]

[[endpoints]]
path = "/api/remove-background"
`

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a temp config.toml and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[backend]
base_url = "https://backend.example.com"
api_key = "test-key-12345"
user_agent = "NyxAi-Proxy/1.0"
idle_connections = 50

[access]
allowed_domains = ["nyxagent.dev"]
debug_header = "X-Debug-Simple"
debug_value = "true"

[[endpoints]]
path = "/api/remove-background"
profile = "patient"

[[endpoints]]
path = "/api/upload"
target_path = "/api/remove-background"
profile = "fast-fail"
dry_run = true

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Backend.APIKey != "test-key-12345" {
		t.Errorf("Backend.APIKey = %q, want %q", cfg.Backend.APIKey, "test-key-12345")
	}
	if cfg.Backend.UserAgent != "NyxAi-Proxy/1.0" {
		t.Errorf("Backend.UserAgent = %q, want %q", cfg.Backend.UserAgent, "NyxAi-Proxy/1.0")
	}
	if cfg.Access.DebugHeader != "X-Debug-Simple" {
		t.Errorf("Access.DebugHeader = %q, want %q", cfg.Access.DebugHeader, "X-Debug-Simple")
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("len(Endpoints) = %d, want 2", len(cfg.Endpoints))
	}
	if cfg.Endpoints[1].TargetPath != "/api/remove-background" {
		t.Errorf("Endpoints[1].TargetPath = %q, want %q", cfg.Endpoints[1].TargetPath, "/api/remove-background")
	}
	if !cfg.Endpoints[1].DryRun {
		t.Error("Endpoints[1].DryRun = false, want true")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_EmptyAPIKey(t *testing.T) {
	path := writeConfig(t, `
[backend]
base_url = "https://backend.example.com"

[access]
allowed_domains = ["nyxagent.dev"]

[[endpoints]]
path = "/api/remove-background"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v; a missing key is reported per request, not at load", err)
	}
	if cfg.Backend.APIKey != "" {
		t.Errorf("Backend.APIKey = %q, want empty", cfg.Backend.APIKey)
	}
}

func TestLoad_PlaceholderAPIKey(t *testing.T) {
	path := writeConfig(t, strings.Replace(minimalTOML, "test-key-12345", "YOUR_API_KEY_HERE", 1))

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for placeholder api_key, got nil")
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("NYX_API_KEY=from-env-file\nOTHER=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, strings.Replace(minimalTOML, `api_key = "test-key-12345"`, "", 1))

	cfg, err := Load(&CLI{Config: path, EnvFile: envPath})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.APIKey != "from-env-file" {
		t.Errorf("Backend.APIKey = %q, want %q", cfg.Backend.APIKey, "from-env-file")
	}
}

func TestLoad_EnvFileDoesNotOverrideExplicitKey(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("NYX_API_KEY=from-env-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, minimalTOML)

	cfg, err := Load(&CLI{Config: path, EnvFile: envPath})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.APIKey != "test-key-12345" {
		t.Errorf("Backend.APIKey = %q, want %q", cfg.Backend.APIKey, "test-key-12345")
	}
}

func TestLoad_EnvFileMissing(t *testing.T) {
	path := writeConfig(t, strings.Replace(minimalTOML, `api_key = "test-key-12345"`, "", 1))

	_, err := Load(&CLI{Config: path, EnvFile: "/nonexistent/.env"})
	if err == nil {
		t.Fatal("Load() expected error for missing env file, got nil")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, minimalTOML+`
[log]
level = "verbose"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, minimalTOML)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8000)
	}
	if cfg.Server.BodyMaxBytes != 10*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 10*1024*1024)
	}
	if cfg.Backend.UserAgent != "NyxAi" {
		t.Errorf("default Backend.UserAgent = %q, want %q", cfg.Backend.UserAgent, "NyxAi")
	}
	if cfg.Backend.WarmupTimeout() != 10*time.Second {
		t.Errorf("default Backend.WarmupTimeout() = %v, want %v", cfg.Backend.WarmupTimeout(), 10*time.Second)
	}

	ep := cfg.Endpoints[0]
	if ep.TargetPath != ep.Path {
		t.Errorf("default TargetPath = %q, want %q", ep.TargetPath, ep.Path)
	}
	if ep.Profile != ProfilePatient {
		t.Errorf("default Profile = %q, want %q", ep.Profile, ProfilePatient)
	}
	if ep.MaxBodyBytes != 2*1024*1024 {
		t.Errorf("default MaxBodyBytes = %d, want %d", ep.MaxBodyBytes, 2*1024*1024)
	}
	if ep.Extractor != "none" {
		t.Errorf("default Extractor = %q, want %q", ep.Extractor, "none")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[backend]
base_url = "https://backend.example.com"
api_key = "toml-key"

[access]
allowed_domains = ["nyxagent.dev"]

[[endpoints]]
path = "/api/remove-background"

[log]
level = "info"
`)

	cli := &CLI{
		Config:     path,
		Host:       "127.0.0.1",
		Port:       3000,
		APIKey:     "cli-key",
		BackendURL: "https://other.example.com",
		LogLevel:   "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Backend.APIKey != "cli-key" {
		t.Errorf("Backend.APIKey = %q, want %q (CLI override)", cfg.Backend.APIKey, "cli-key")
	}
	if cfg.Backend.BaseURL != "https://other.example.com" {
		t.Errorf("Backend.BaseURL = %q, want %q (CLI override)", cfg.Backend.BaseURL, "https://other.example.com")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantMsg string
	}{
		{
			name:    "http backend",
			data:    strings.Replace(minimalTOML, "https://backend", "http://backend", 1),
			wantMsg: "HTTPS",
		},
		{
			name: "missing backend url",
			data: `
[access]
allowed_domains = ["nyxagent.dev"]

[[endpoints]]
path = "/api/remove-background"
`,
			wantMsg: "base_url",
		},
		{
			name:    "negative port",
			data:    "[server]\nport = -1\n" + minimalTOML,
			wantMsg: "server.port",
		},
		{
			name:    "negative body_max_bytes",
			data:    "[server]\nbody_max_bytes = -1\n" + minimalTOML,
			wantMsg: "body_max_bytes",
		},
		{
			name: "empty allow-list",
			data: `
[backend]
base_url = "https://backend.example.com"

[access]
allowed_domains = []

[[endpoints]]
path = "/api/remove-background"
`,
			wantMsg: "allowed_domains",
		},
		{
			name: "debug header without value",
			data: strings.Replace(minimalTOML, `allowed_domains = ["nyxagent.dev", "localhost"]`,
				"allowed_domains = [\"nyxagent.dev\"]\ndebug_header = \"X-Debug-Simple\"", 1),
			wantMsg: "debug_value",
		},
		{
			name: "no endpoints",
			data: `
[backend]
base_url = "https://backend.example.com"

[access]
allowed_domains = ["nyxagent.dev"]
`,
			wantMsg: "endpoints",
		},
		{
			name:    "duplicate endpoint",
			data:    minimalTOML + "\n[[endpoints]]\npath = \"/api/remove-background\"\n",
			wantMsg: "declared twice",
		},
		{
			name:    "endpoint on reserved route",
			data:    minimalTOML + "\n[[endpoints]]\npath = \"/healthz\"\n",
			wantMsg: "reserved",
		},
		{
			name:    "endpoint without leading slash",
			data:    minimalTOML + "\n[[endpoints]]\npath = \"api/upload\"\n",
			wantMsg: "must start with",
		},
		{
			name:    "unknown profile",
			data:    minimalTOML + "profile = \"eager\"\n",
			wantMsg: "profile",
		},
		{
			name:    "negative retries",
			data:    minimalTOML + "max_retries = -1\n",
			wantMsg: "max_retries",
		},
		{
			name:    "negative timeout",
			data:    minimalTOML + "timeout_seconds = -5\n",
			wantMsg: "timeout_seconds",
		},
		{
			name:    "endpoint limit above server limit",
			data:    "[server]\nbody_max_bytes = 1024\n" + minimalTOML + "max_body_bytes = 2048\n",
			wantMsg: "exceeds",
		},
		{
			name:    "unknown extractor",
			data:    minimalTOML + "extractor = \"lsb\"\n",
			wantMsg: "extractor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.data)
			_, err := Load(cliWithPath(path))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_EndpointProfiles(t *testing.T) {
	path := writeConfig(t, minimalTOML+`
[[endpoints]]
path = "/api/upload"
profile = "fast-fail"

[[endpoints]]
path = "/api/steganography-proxy"
profile = "fast-fail"
max_retries = 0
timeout_seconds = 40
extractor = "stego"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		path        string
		wantRetries int
		wantTimeout time.Duration
	}{
		{"/api/remove-background", 0, 90 * time.Second},
		{"/api/upload", 2, 25 * time.Second},
		{"/api/steganography-proxy", 0, 40 * time.Second},
	}

	for i, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			ep := cfg.Endpoints[i]
			if ep.Path != tt.path {
				t.Fatalf("Endpoints[%d].Path = %q, want %q", i, ep.Path, tt.path)
			}
			got := ep.Retry()
			if got.MaxRetries != tt.wantRetries {
				t.Errorf("MaxRetries = %d, want %d", got.MaxRetries, tt.wantRetries)
			}
			if got.Timeout != tt.wantTimeout {
				t.Errorf("Timeout = %v, want %v", got.Timeout, tt.wantTimeout)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, minimalTOML+`
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_RateLimitConfig_Disabled(t *testing.T) {
	path := writeConfig(t, minimalTOML)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = false by default")
	}
}

func TestLoad_RateLimitConfig_BadValue(t *testing.T) {
	path := writeConfig(t, minimalTOML+`
[server.rate_limit]
enabled = true
requests_per_second = 0
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for rate limit enabled with requests_per_second=0, got nil")
	}
	if !strings.Contains(err.Error(), "requests_per_second") {
		t.Errorf("error = %q, want mention of requests_per_second", err)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestWarnMissingKey(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		wantWarn bool
	}{
		{"missing", "", true},
		{"present", "k", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Backend: BackendConfig{APIKey: tt.key}}
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			cfg.WarnMissingKey(logger)

			if got := strings.Contains(buf.String(), "api_key is not set"); got != tt.wantWarn {
				t.Errorf("warned = %v, want %v (log: %q)", got, tt.wantWarn, buf.String())
			}
		})
	}
}

func TestFindConfigInPaths_Found(t *testing.T) {
	path := writeConfig(t, minimalTOML)

	got := findConfigInPaths([]string{path})
	if got != path {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path)
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, minimalTOML)
	path2 := writeConfig(t, minimalTOML)

	got := findConfigInPaths([]string{path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestLoad_MetricsPathDefault(t *testing.T) {
	path := writeConfig(t, minimalTOML+`
[metrics]
enabled = true
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_MetricsPathNoLeadingSlash(t *testing.T) {
	path := writeConfig(t, minimalTOML+`
[metrics]
enabled = true
path = "metrics"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for metrics.path without leading slash, got nil")
	}
	if !strings.Contains(err.Error(), "metrics.path") {
		t.Errorf("error = %q, want mention of metrics.path", err)
	}
}

func TestLoad_MetricsPathConflictsWithRoute(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"proxy endpoint exact", "/api/remove-background"},
		{"proxy endpoint sub", "/api/remove-background/metrics"},
		{"warmup", "/api/warmup"},
		{"healthz", "/healthz"},
		{"proxy/status", "/proxy/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := writeConfig(t, minimalTOML+`
[metrics]
enabled = true
path = "`+tt.path+`"
`)

			_, err := Load(cliWithPath(cfgPath))
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q conflicting with route, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), "conflicts") {
				t.Errorf("error = %q, want mention of conflict", err)
			}
		})
	}
}

func TestLoad_MetricsPathValid(t *testing.T) {
	path := writeConfig(t, minimalTOML+`
[metrics]
enabled = true
path = "/custom-metrics"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, minimalTOML+`
[metrics]
enabled = false
path = "bad-no-slash"
`)

	_, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}

func TestBackendConfig_URL(t *testing.T) {
	tests := []struct {
		base string
		path string
		want string
	}{
		{"https://b.example.com", "/api/remove-background", "https://b.example.com/api/remove-background"},
		{"https://b.example.com/", "/api/remove-background", "https://b.example.com/api/remove-background"},
		{"https://b.example.com", "", "https://b.example.com"},
	}
	for _, tt := range tests {
		b := &BackendConfig{BaseURL: tt.base}
		if got := b.URL(tt.path); got != tt.want {
			t.Errorf("URL(%q) with base %q = %q, want %q", tt.path, tt.base, got, tt.want)
		}
	}
}
