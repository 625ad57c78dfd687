// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"

	"dashboard-proxy/internal/model"
)

// DefaultBackendURL is used when no backend base URL is configured.
const DefaultBackendURL = "http://localhost:8000"

// DefaultMaxResponseBytes caps a successful backend response body.
const DefaultMaxResponseBytes = 10 << 20

// placeholderDevToken is the value shipped in the example config.
const placeholderDevToken = "CHANGE_ME"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/dashboard-proxy/config.toml",
	"configs/config.toml",
}

// reservedPaths are served by the proxy itself and cannot be used by routes.
var reservedPaths = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config         string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host           string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port           int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BackendURL     string `kong:"help='Backend base URL (overrides config).',env='BACKEND_URL,API_URL'"`
	DevToken       string `kong:"help='Development bearer token for open mode (overrides config).',env='DEV_TOKEN'"`
	OpenMode       bool   `kong:"help='Allow routes that use the static development token.',env='OPEN_MODE'"`
	IdentitySecret string `kong:"help='HMAC secret for session tokens (overrides config).',env='SESSION_SECRET'"`
	LogLevel       string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`

	Serve ServeCmd `kong:"cmd,default='1',help='Run the proxy server.'"`
	Token TokenCmd `kong:"cmd,help='Manage stored session credentials.'"`
}

// ServeCmd runs the proxy server.
type ServeCmd struct{}

// TokenCmd groups the stored-credential admin commands.
type TokenCmd struct {
	Put    TokenPutCmd    `kong:"cmd,help='Store a bearer token for a session id.'"`
	Delete TokenDeleteCmd `kong:"cmd,help='Remove the token stored for a session id.'"`
}

// TokenPutCmd writes a token into the configured credential store.
type TokenPutCmd struct {
	Session string        `kong:"required,help='Session id.'"`
	Token   string        `kong:"required,help='Bearer token to store.',env='SESSION_TOKEN'"`
	TTL     time.Duration `kong:"default='1h',help='Token lifetime; 0 keeps it until deleted.'"`
}

// TokenDeleteCmd removes a token from the configured credential store.
type TokenDeleteCmd struct {
	Session string `kong:"required,help='Session id.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Auth     AuthConfig     `toml:"auth"`
	Routes   []model.Route  `toml:"routes"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds backend connection settings.
type UpstreamConfig struct {
	BaseURL          string   `toml:"base_url"`
	TimeoutSeconds   int      `toml:"timeout_seconds"`
	IdleConnections  int      `toml:"idle_connections"`
	MaxResponseBytes int64    `toml:"max_response_bytes"`
	AllowedHosts     []string `toml:"allowed_hosts"` // empty allows any host
}

// AuthConfig holds credential resolution settings.
type AuthConfig struct {
	OpenMode bool           `toml:"open_mode"`
	DevToken string         `toml:"dev_token"`
	Identity IdentityConfig `toml:"identity"`
	Store    StoreConfig    `toml:"store"`
}

// IdentityConfig configures session verification for the identity strategy.
type IdentityConfig struct {
	Secret            string                  `toml:"secret"`
	Algorithm         string                  `toml:"algorithm"`
	Issuer            string                  `toml:"issuer"`
	Audience          string                  `toml:"audience"`
	ClockSkewSeconds  int                     `toml:"clock_skew_seconds"`
	Cookie            string                  `toml:"cookie"`
	TokenSource       string                  `toml:"token_source"` // session | client_credentials
	ClientCredentials ClientCredentialsConfig `toml:"client_credentials"`
}

// ClientCredentialsConfig configures the OAuth2 client-credentials token source.
type ClientCredentialsConfig struct {
	TokenURL     string   `toml:"token_url"`
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	Scopes       []string `toml:"scopes"`
}

// StoreConfig configures the session-scoped credential store.
type StoreConfig struct {
	Backend       string       `toml:"backend"` // memory | redis | sqlite
	SessionCookie string       `toml:"session_cookie"`
	SessionHeader string       `toml:"session_header"`
	Redis         RedisConfig  `toml:"redis"`
	SQLite        SQLiteConfig `toml:"sqlite"`
}

// RedisConfig holds Redis connection settings for the credential store.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// SQLiteConfig holds the database location for the credential store.
type SQLiteConfig struct {
	Path string `toml:"path"`
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
// /etc/dashboard-proxy/config.toml then configs/config.toml. If neither exists
// the built-in defaults are used, so the proxy can start with zero configuration.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
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
	if cli.BackendURL != "" {
		c.Upstream.BaseURL = cli.BackendURL
	}
	if cli.DevToken != "" {
		c.Auth.DevToken = cli.DevToken
	}
	if cli.OpenMode {
		c.Auth.OpenMode = true
	}
	if cli.IdentitySecret != "" {
		c.Auth.Identity.Secret = cli.IdentitySecret
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultBackendURL
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxResponseBytes == 0 {
		c.Upstream.MaxResponseBytes = DefaultMaxResponseBytes
	}

	id := &c.Auth.Identity
	if id.Algorithm == "" {
		id.Algorithm = "HS256"
	}
	if id.ClockSkewSeconds == 0 {
		id.ClockSkewSeconds = 30
	}
	if id.Cookie == "" {
		id.Cookie = "__session"
	}
	if id.TokenSource == "" {
		id.TokenSource = "session"
	}

	st := &c.Auth.Store
	if st.Backend == "" {
		st.Backend = "memory"
	}
	if st.SessionCookie == "" {
		st.SessionCookie = "session_id"
	}
	if st.SessionHeader == "" {
		st.SessionHeader = "X-Session-Id"
	}
	if st.Redis.Prefix == "" {
		st.Redis.Prefix = "dashboard-proxy:session:"
	}

	for i := range c.Routes {
		r := &c.Routes[i]
		r.Method = strings.ToUpper(r.Method)
		if r.Method == "" {
			r.Method = "POST"
		}
		if r.Name == "" {
			r.Name = r.Method + " " + r.Path
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

func (c *Config) validate() error {
	// Backend URL: http or https with a host.
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url must include a host; got %q", c.Upstream.BaseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("upstream.base_url must not carry a query or fragment; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxResponseBytes < 0 {
		return fmt.Errorf("upstream.max_response_bytes must be non-negative; got %d", c.Upstream.MaxResponseBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Auth.DevToken == placeholderDevToken {
		return fmt.Errorf("auth.dev_token contains placeholder value; set a real token or leave it empty")
	}

	if err := c.validateRoutes(); err != nil {
		return err
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
		for _, r := range c.Routes {
			if r.Path == p {
				return fmt.Errorf("metrics.path %q conflicts with route %q", p, r.Name)
			}
		}
	}

	return nil
}

func (c *Config) validateRoutes() error {
	names := make(map[string]bool, len(c.Routes))
	endpoints := make(map[string]bool, len(c.Routes))
	used := make(map[model.AuthStrategy]bool)

	for i, r := range c.Routes {
		field := fmt.Sprintf("routes[%d]", i)

		if names[r.Name] {
			return fmt.Errorf("%s: duplicate route name %q", field, r.Name)
		}
		names[r.Name] = true

		if r.Method != "GET" && r.Method != "POST" {
			return fmt.Errorf("%s.method must be GET or POST; got %q", field, r.Method)
		}
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("%s.path must start with '/'; got %q", field, r.Path)
		}
		for _, reserved := range reservedPaths {
			if r.Path == reserved {
				return fmt.Errorf("%s.path %q conflicts with reserved route", field, r.Path)
			}
		}
		key := r.Method + " " + r.Path
		if endpoints[key] {
			return fmt.Errorf("%s: duplicate endpoint %s", field, key)
		}
		endpoints[key] = true

		if err := validateTarget(r); err != nil {
			return fmt.Errorf("%s.target: %w", field, err)
		}

		if !r.Auth.Valid() {
			return fmt.Errorf("%s.auth must be one of: static, identity, stored, none; got %q", field, r.Auth)
		}
		used[r.Auth] = true

		if r.Schema != "" && r.Method != "POST" {
			return fmt.Errorf("%s.schema is only supported on POST routes", field)
		}
	}

	if used[model.AuthStatic] {
		if !c.Auth.OpenMode {
			return fmt.Errorf("routes with auth = \"static\" require auth.open_mode = true")
		}
		if c.Auth.DevToken == "" {
			return fmt.Errorf("routes with auth = \"static\" require auth.dev_token")
		}
	}
	if used[model.AuthIdentity] {
		if err := c.Auth.Identity.validate(); err != nil {
			return fmt.Errorf("auth.identity: %w", err)
		}
	}
	// The store is opened regardless of route usage, so its settings are always checked.
	if err := c.Auth.Store.validate(); err != nil {
		return fmt.Errorf("auth.store: %w", err)
	}
	return nil
}

// validateTarget checks that a route target is a fixed absolute path whose
// placeholders all come from the inbound route path.
func validateTarget(r model.Route) error {
	if !strings.HasPrefix(r.Target, "/") {
		return fmt.Errorf("must start with '/'; got %q", r.Target)
	}
	if strings.ContainsAny(r.Target, "?#") {
		return fmt.Errorf("must not contain a query or fragment; got %q", r.Target)
	}
	params := make(map[string]bool)
	for _, name := range PathParams(r.Path) {
		params[name] = true
	}
	for _, seg := range strings.Split(r.Target, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("must not contain dot segments; got %q", r.Target)
		}
		if name, ok := strings.CutPrefix(seg, ":"); ok && !params[name] {
			return fmt.Errorf("placeholder %q is not a parameter of path %q", seg, r.Path)
		}
	}
	return nil
}

// PathParams returns the ":name" parameter names of a route path, in order.
func PathParams(path string) []string {
	var names []string
	for _, seg := range strings.Split(path, "/") {
		if name, ok := strings.CutPrefix(seg, ":"); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

func (c *IdentityConfig) validate() error {
	if strings.TrimSpace(c.Secret) == "" {
		return fmt.Errorf("secret is required")
	}
	switch c.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("algorithm must be one of: HS256, HS384, HS512; got %q", c.Algorithm)
	}
	if c.ClockSkewSeconds < 0 {
		return fmt.Errorf("clock_skew_seconds must be non-negative; got %d", c.ClockSkewSeconds)
	}
	switch c.TokenSource {
	case "session":
	case "client_credentials":
		cc := c.ClientCredentials
		if cc.ClientID == "" {
			return fmt.Errorf("client_credentials.client_id is required")
		}
		u, err := url.Parse(cc.TokenURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("client_credentials.token_url must be an http(s) URL; got %q", cc.TokenURL)
		}
	default:
		return fmt.Errorf("token_source must be one of: session, client_credentials; got %q", c.TokenSource)
	}
	return nil
}

func (c *StoreConfig) validate() error {
	switch c.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis backend")
		}
		if c.Redis.DB < 0 {
			return fmt.Errorf("redis.db must be non-negative; got %d", c.Redis.DB)
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("backend must be one of: memory, redis, sqlite; got %q", c.Backend)
	}
	return nil
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

// UpstreamTimeout returns the backend call timeout.
func (c *UpstreamConfig) UpstreamTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// FilePath returns the config file the configuration was read from, if any.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnInsecure logs warnings for settings that weaken the deployment: a config
// file readable by group or others, and open mode.
func (c *Config) WarnInsecure(logger *slog.Logger) {
	if c.Auth.OpenMode {
		logger.Warn("open mode enabled; static development token routes are active")
	}
	if c.filePath == "" {
		logger.Info("no config file found; using built-in defaults", "backend_url", c.Upstream.BaseURL)
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
