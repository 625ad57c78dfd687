package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"dashboard-proxy/internal/model"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to config.toml in a temp dir and returns its path.
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

[upstream]
base_url = "https://api.example.com"
timeout_seconds = 60
idle_connections = 50

[auth.identity]
secret = "s3cret"
issuer = "https://issuer.example.com"

[[routes]]
name = "analyze"
method = "post"
path = "/api/analyze"
target = "/v1/analyze"
auth = "identity"

[[routes]]
path = "/api/reports/:id"
method = "GET"
target = "/v1/reports/:id"
auth = "none"

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
	if cfg.Upstream.TimeoutSeconds != 60 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 60)
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("len(Routes) = %d, want 2", len(cfg.Routes))
	}
	if cfg.Routes[0].Method != "POST" {
		t.Errorf("Routes[0].Method = %q, want POST (upper-cased)", cfg.Routes[0].Method)
	}
	if cfg.Routes[1].Name != "GET /api/reports/:id" {
		t.Errorf("Routes[1].Name = %q, want derived name", cfg.Routes[1].Name)
	}
	if cfg.Routes[0].Auth != model.AuthIdentity {
		t.Errorf("Routes[0].Auth = %q, want identity", cfg.Routes[0].Auth)
	}
	if cfg.Auth.Identity.Algorithm != "HS256" {
		t.Errorf("Identity.Algorithm = %q, want default HS256", cfg.Auth.Identity.Algorithm)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.FilePath() != path {
		t.Errorf("FilePath() = %q, want %q", cfg.FilePath(), path)
	}
}

func TestLoad_ZeroConfig(t *testing.T) {
	orig := configSearchPaths
	configSearchPaths = []string{"/nonexistent/config.toml"}
	t.Cleanup(func() { configSearchPaths = orig })

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v; zero configuration must be valid", err)
	}
	if cfg.Upstream.BaseURL != DefaultBackendURL {
		t.Errorf("Upstream.BaseURL = %q, want %q", cfg.Upstream.BaseURL, DefaultBackendURL)
	}
	if cfg.FilePath() != "" {
		t.Errorf("FilePath() = %q, want empty", cfg.FilePath())
	}
	if len(cfg.Routes) != 0 {
		t.Errorf("len(Routes) = %d, want 0", len(cfg.Routes))
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "# empty\n")

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 3000)
	}
	if cfg.Server.BodyMaxBytes != 10*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 10*1024*1024)
	}
	if cfg.Upstream.BaseURL != "http://localhost:8000" {
		t.Errorf("default Upstream.BaseURL = %q, want %q", cfg.Upstream.BaseURL, "http://localhost:8000")
	}
	if cfg.Upstream.TimeoutSeconds != 120 {
		t.Errorf("default Upstream.TimeoutSeconds = %d, want 120", cfg.Upstream.TimeoutSeconds)
	}
	if cfg.Upstream.MaxResponseBytes != DefaultMaxResponseBytes {
		t.Errorf("default Upstream.MaxResponseBytes = %d, want %d", cfg.Upstream.MaxResponseBytes, DefaultMaxResponseBytes)
	}
	if cfg.Auth.Store.Backend != "memory" {
		t.Errorf("default Auth.Store.Backend = %q, want memory", cfg.Auth.Store.Backend)
	}
	if cfg.Auth.Store.SessionHeader != "X-Session-Id" {
		t.Errorf("default Auth.Store.SessionHeader = %q, want X-Session-Id", cfg.Auth.Store.SessionHeader)
	}
	if cfg.Auth.Identity.Cookie != "__session" {
		t.Errorf("default Auth.Identity.Cookie = %q, want __session", cfg.Auth.Identity.Cookie)
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
		t.Fatal("Load() expected error for missing explicit file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[upstream]
base_url = "http://backend:8000"

[auth]
dev_token = "toml-token"

[log]
level = "info"
`)

	cli := &CLI{
		Config:         path,
		Host:           "127.0.0.1",
		Port:           3001,
		BackendURL:     "https://api.example.com",
		DevToken:       "cli-token",
		OpenMode:       true,
		IdentitySecret: "cli-secret",
		LogLevel:       "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3001 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3001)
	}
	if cfg.Upstream.BaseURL != "https://api.example.com" {
		t.Errorf("Upstream.BaseURL = %q, want CLI override", cfg.Upstream.BaseURL)
	}
	if cfg.Auth.DevToken != "cli-token" {
		t.Errorf("Auth.DevToken = %q, want %q (CLI override)", cfg.Auth.DevToken, "cli-token")
	}
	if !cfg.Auth.OpenMode {
		t.Error("Auth.OpenMode = false, want true (CLI override)")
	}
	if cfg.Auth.Identity.Secret != "cli-secret" {
		t.Errorf("Auth.Identity.Secret = %q, want CLI override", cfg.Auth.Identity.Secret)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "ftp backend",
			data:    "[upstream]\nbase_url = \"ftp://backend\"\n",
			wantErr: "upstream.base_url",
		},
		{
			name:    "backend without host",
			data:    "[upstream]\nbase_url = \"http://\"\n",
			wantErr: "host",
		},
		{
			name:    "negative port",
			data:    "[server]\nport = -1\n",
			wantErr: "server.port",
		},
		{
			name:    "negative body limit",
			data:    "[server]\nbody_max_bytes = -1\n",
			wantErr: "server.body_max_bytes",
		},
		{
			name:    "negative timeout",
			data:    "[upstream]\ntimeout_seconds = -5\n",
			wantErr: "upstream.timeout_seconds",
		},
		{
			name:    "negative response cap",
			data:    "[upstream]\nmax_response_bytes = -1\n",
			wantErr: "upstream.max_response_bytes",
		},
		{
			name:    "invalid log level",
			data:    "[log]\nlevel = \"verbose\"\n",
			wantErr: "log.level",
		},
		{
			name:    "placeholder dev token",
			data:    "[auth]\ndev_token = \"CHANGE_ME\"\n",
			wantErr: "placeholder",
		},
		{
			name:    "rate limit without rps",
			data:    "[server.rate_limit]\nenabled = true\n",
			wantErr: "requests_per_second",
		},
		{
			name: "static route without open mode",
			data: `
[auth]
dev_token = "dev"

[[routes]]
path = "/api/a"
target = "/a"
auth = "static"
`,
			wantErr: "open_mode",
		},
		{
			name: "static route without token",
			data: `
[auth]
open_mode = true

[[routes]]
path = "/api/a"
target = "/a"
auth = "static"
`,
			wantErr: "dev_token",
		},
		{
			name: "identity route without secret",
			data: `
[[routes]]
path = "/api/a"
target = "/a"
auth = "identity"
`,
			wantErr: "secret",
		},
		{
			name: "identity with client credentials missing token url",
			data: `
[auth.identity]
secret = "s"
token_source = "client_credentials"

[auth.identity.client_credentials]
client_id = "dashboard"

[[routes]]
path = "/api/a"
target = "/a"
auth = "identity"
`,
			wantErr: "token_url",
		},
		{
			name: "unknown strategy",
			data: `
[[routes]]
path = "/api/a"
target = "/a"
auth = "magic"
`,
			wantErr: "auth must be one of",
		},
		{
			name: "missing strategy",
			data: `
[[routes]]
path = "/api/a"
target = "/a"
`,
			wantErr: "auth must be one of",
		},
		{
			name: "unsupported method",
			data: `
[[routes]]
method = "DELETE"
path = "/api/a"
target = "/a"
auth = "none"
`,
			wantErr: "GET or POST",
		},
		{
			name: "duplicate endpoint",
			data: `
[[routes]]
name = "a"
path = "/api/a"
target = "/a"
auth = "none"

[[routes]]
name = "b"
path = "/api/a"
target = "/b"
auth = "none"
`,
			wantErr: "duplicate endpoint",
		},
		{
			name: "relative target",
			data: `
[[routes]]
path = "/api/a"
target = "a"
auth = "none"
`,
			wantErr: "target",
		},
		{
			name: "target with dot segments",
			data: `
[[routes]]
path = "/api/a"
target = "/a/../admin"
auth = "none"
`,
			wantErr: "dot segments",
		},
		{
			name: "unknown target placeholder",
			data: `
[[routes]]
method = "GET"
path = "/api/reports/:id"
target = "/reports/:reportId"
auth = "none"
`,
			wantErr: "placeholder",
		},
		{
			name: "route on reserved path",
			data: `
[[routes]]
method = "GET"
path = "/healthz"
target = "/health"
auth = "none"
`,
			wantErr: "reserved",
		},
		{
			name: "schema on GET route",
			data: `
[[routes]]
method = "GET"
path = "/api/a"
target = "/a"
auth = "none"
schema = "a.json"
`,
			wantErr: "schema",
		},
		{
			name:    "redis store without addr",
			data:    "[auth.store]\nbackend = \"redis\"\n",
			wantErr: "redis.addr",
		},
		{
			name:    "unknown store backend",
			data:    "[auth.store]\nbackend = \"etcd\"\n",
			wantErr: "backend must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatalf("Load() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_StaticRouteInOpenMode(t *testing.T) {
	path := writeConfig(t, `
[auth]
open_mode = true
dev_token = "dev-token"

[[routes]]
path = "/api/research"
target = "/research"
auth = "static"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Routes[0].Auth != model.AuthStatic {
		t.Errorf("Routes[0].Auth = %q, want static", cfg.Routes[0].Auth)
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, `
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

func TestPathParams(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"/api/analyze", nil},
		{"/api/reports/:id", []string{"id"}},
		{"/api/projects/:project/runs/:run", []string{"project", "run"}},
		{"/api/:", nil},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := PathParams(tt.path)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("PathParams(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestWarnInsecure_Permissive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnInsecure(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnInsecure_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnInsecure(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestWarnInsecure_OpenMode(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{OpenMode: true}}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnInsecure(logger)

	if !strings.Contains(buf.String(), "open mode") {
		t.Errorf("expected open mode warning, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, "")
	path2 := writeConfig(t, "")

	if got := findConfigInPaths([]string{"/nonexistent/a.toml", path1, path2}); got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml"}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"default", "", ""},
		{"custom", "/custom-metrics", ""},
		{"no leading slash", "metrics", "metrics.path"},
		{"healthz", "/healthz", "conflicts"},
		{"proxy/status", "/proxy/status", "conflicts"},
		{"route path", "/api/analyze", "conflicts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := `
[[routes]]
path = "/api/analyze"
target = "/analyze"
auth = "none"

[metrics]
enabled = true
`
			if tt.path != "" {
				data += "path = \"" + tt.path + "\"\n"
			}

			cfg, err := Load(cliWithPath(writeConfig(t, data)))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				want := tt.path
				if want == "" {
					want = "/metrics"
				}
				if cfg.Metrics.Path != want {
					t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, want)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, `
[metrics]
enabled = false
path = "bad-no-slash"
`)

	if _, err := Load(cliWithPath(path)); err != nil {
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
