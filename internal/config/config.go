// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"camo-proxy-go/internal/guard"
	"camo-proxy-go/internal/sign"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/camo-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes may not be shadowed by the metrics endpoint.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Key      string `kong:"short='k',help='HMAC key (overrides config).',env='CAMO_KEY'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Camo    CamoConfig    `toml:"camo"`
	Fetch   FetchConfig   `toml:"fetch"`
	Filter  FilterConfig  `toml:"filter"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
	Tracing TracingConfig `toml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host              string            `toml:"host"`
	Port              int               `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	ServerName        string            `toml:"server_name"`
	ExtraHeaders      map[string]string `toml:"extra_headers"`
	DisableKeepAlives bool              `toml:"disable_keep_alives"`
	RateLimit         RateLimitConfig   `toml:"rate_limit"`
	// TLSCert and TLSKey are PEM file paths. Setting both serves HTTPS.
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// CamoConfig holds the signing key and path encoding.
type CamoConfig struct {
	Key      string `toml:"key"`
	Encoding string `toml:"encoding"` // auto | hex | base64
}

// FetchConfig holds outbound fetch limits.
type FetchConfig struct {
	MaxSizeBytes      int64    `toml:"max_size_bytes"`
	MaxRedirects      int      `toml:"max_redirects"` // 0 means "use default" (3)
	TimeoutSeconds    int      `toml:"timeout_seconds"`
	IdleConnections   int      `toml:"idle_connections"`
	MaxConcurrent     int      `toml:"max_concurrent"`
	QueueTimeoutMS    int      `toml:"queue_timeout_ms"`
	ContentTypes      []string `toml:"content_types"`
	AllowVideo        bool     `toml:"allow_video"`
	ForwardClientIP   bool     `toml:"forward_client_ip"`
	DisableKeepAlives bool     `toml:"disable_keep_alives"`
}

// FilterConfig holds target URL restrictions.
type FilterConfig struct {
	DenyNetworks        []string `toml:"deny_networks"`
	ExcludeHosts        []string `toml:"exclude_hosts"`
	AllowHosts          []string `toml:"allow_hosts"`
	AllowCredentialURLs bool     `toml:"allow_credential_urls"`
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

// TracingConfig holds OpenTelemetry trace export settings.
type TracingConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/camo-proxy/config.toml then configs/config.toml.
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
	if cli.Key != "" {
		c.Camo.Key = cli.Key
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Camo.Key == "" {
		return fmt.Errorf("camo.key is required")
	}
	if c.Camo.Key == "YOUR_KEY_HERE" {
		return fmt.Errorf("camo.key contains placeholder value")
	}
	if enc := strings.ToLower(c.Camo.Encoding); enc != "" && enc != "auto" {
		if _, err := sign.ParseEncoding(enc); err != nil {
			return fmt.Errorf("camo.encoding must be one of: auto, hex, base64; got %q", c.Camo.Encoding)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.Fetch.MaxSizeBytes < 0 {
		return fmt.Errorf("fetch.max_size_bytes must be non-negative; got %d", c.Fetch.MaxSizeBytes)
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be non-negative; got %d", c.Fetch.MaxRedirects)
	}
	if c.Fetch.TimeoutSeconds < 0 {
		return fmt.Errorf("fetch.timeout_seconds must be non-negative; got %d", c.Fetch.TimeoutSeconds)
	}
	if c.Fetch.IdleConnections < 0 {
		return fmt.Errorf("fetch.idle_connections must be non-negative; got %d", c.Fetch.IdleConnections)
	}
	if c.Fetch.MaxConcurrent < 0 {
		return fmt.Errorf("fetch.max_concurrent must be non-negative; got %d", c.Fetch.MaxConcurrent)
	}
	if c.Fetch.QueueTimeoutMS < 0 {
		return fmt.Errorf("fetch.queue_timeout_ms must be non-negative; got %d", c.Fetch.QueueTimeoutMS)
	}
	for _, ct := range c.Fetch.ContentTypes {
		if !strings.Contains(ct, "/") {
			return fmt.Errorf("fetch.content_types entries must look like type/subtype; got %q", ct)
		}
	}

	if _, err := guard.ParseNetworks(c.Filter.DenyNetworks); err != nil {
		return fmt.Errorf("filter.deny_networks: %w", err)
	}
	if _, err := guard.New(guard.Policy{ExcludeHosts: c.Filter.ExcludeHosts}, nil); err != nil {
		return fmt.Errorf("filter.exclude_hosts: %w", err)
	}
	if _, err := guard.New(guard.Policy{AllowHosts: c.Filter.AllowHosts}, nil); err != nil {
		return fmt.Errorf("filter.allow_hosts: %w", err)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
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
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
		// A two-segment path would be routed as /<digest>/<url>.
		if strings.Count(strings.Trim(p, "/"), "/") == 1 {
			return fmt.Errorf("metrics.path %q conflicts with the proxy route; use one or three or more segments", p)
		}
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]; got %v", c.Tracing.SampleRatio)
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key. Setting max_redirects=0 in the
// config file therefore results in the default (3).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ServerName == "" {
		c.Server.ServerName = "camo-proxy"
	}
	if c.Camo.Encoding == "" {
		c.Camo.Encoding = "auto"
	}
	c.Camo.Encoding = strings.ToLower(c.Camo.Encoding)
	if c.Fetch.MaxSizeBytes == 0 {
		c.Fetch.MaxSizeBytes = 5 * 1024 * 1024 // 5 MB
	}
	if c.Fetch.MaxRedirects == 0 {
		c.Fetch.MaxRedirects = 3
	}
	if c.Fetch.TimeoutSeconds == 0 {
		c.Fetch.TimeoutSeconds = 4
	}
	if c.Fetch.IdleConnections == 0 {
		c.Fetch.IdleConnections = 100
	}
	if c.Fetch.MaxConcurrent == 0 {
		c.Fetch.MaxConcurrent = 256
	}
	if c.Fetch.QueueTimeoutMS == 0 {
		c.Fetch.QueueTimeoutMS = 1000
	}
	if len(c.Fetch.ContentTypes) == 0 {
		c.Fetch.ContentTypes = []string{"image/*"}
	}
	if c.Fetch.AllowVideo && !containsFold(c.Fetch.ContentTypes, "video/*") {
		c.Fetch.ContentTypes = append(c.Fetch.ContentTypes, "video/*")
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
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "http://localhost:4318"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 0.1
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
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

// TLSEnabled reports whether the server listens with TLS.
func (c *ServerConfig) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// FixedEncoding returns the configured encoding. ok is false in auto mode,
// where each request's digest length picks the encoding.
func (c *CamoConfig) FixedEncoding() (enc sign.Encoding, ok bool) {
	if c.Encoding == "" || strings.EqualFold(c.Encoding, "auto") {
		return 0, false
	}
	enc, err := sign.ParseEncoding(c.Encoding)
	return enc, err == nil
}

// Timeout returns the per-request upstream timeout.
func (c *FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// QueueTimeout returns how long a fetch may wait for an outbound slot.
func (c *FetchConfig) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutMS) * time.Millisecond
}

// Policy converts the filter section into a guard.Policy.
// DenyNetworks was checked by validate, so a parse error cannot happen here.
func (c *FilterConfig) Policy() guard.Policy {
	p := guard.Policy{
		ExcludeHosts:        c.ExcludeHosts,
		AllowHosts:          c.AllowHosts,
		AllowCredentialURLs: c.AllowCredentialURLs,
	}
	if len(c.DenyNetworks) > 0 {
		nets, err := guard.ParseNetworks(c.DenyNetworks)
		if err == nil {
			p.DenyNetworks = nets
		}
	}
	return p
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
		logger.Warn("config file is readable by group/others; it holds the HMAC key, consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
