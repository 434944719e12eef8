// Package config handles configuration loading and validation from the
// command line, the environment and an optional TOML file.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"cf-access-proxy-go/internal/model"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cf-access-proxy/config.toml",
	"configs/config.toml",
}

// Commands understood by the binary.
const (
	CommandForward = "forward"
	CommandReverse = "reverse"
	CommandUpload  = "upload"
)

// Default listen ports per proxy mode.
const (
	DefaultForwardPort = 8080
	DefaultReversePort = 19000
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	LogLevel     string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	ClientID     string           `kong:"help='Cloudflare Access client id injected into every request.',env='CF_ACCESS_CLIENT_ID'"`
	ClientSecret string           `kong:"help='Cloudflare Access client secret injected into every request.',env='CF_ACCESS_CLIENT_SECRET'"`
	Version      kong.VersionFlag `kong:"help='Print version and exit.'"`

	Forward ForwardCmd `kong:"cmd,help='Forward proxy: relays absolute-URL requests and tunnels CONNECT.'"`
	Reverse ReverseCmd `kong:"cmd,help='Reverse proxy in front of a single upstream origin.'"`
	Upload  UploadCmd  `kong:"cmd,help='Upload a directory to the object store with signed requests.'"`

	// Command is the selected command name, filled in after parsing.
	Command string `kong:"-"`
}

// ForwardCmd holds flags for the forward command.
type ForwardCmd struct {
	Port int `kong:"short='p',help='Listen port (default 8080).',env='PROXY_PORT'"`
}

// ReverseCmd holds flags for the reverse command.
type ReverseCmd struct {
	Port   int    `kong:"short='p',help='Listen port (default 19000).',env='PROXY_PORT'"`
	Target string `kong:"short='t',help='Upstream origin URL.',env='MINIO_ENDPOINT'"`
}

// UploadCmd holds flags for the upload command.
type UploadCmd struct {
	Dir       string `kong:"arg,optional,help='Directory to upload (default dist).'"`
	Target    string `kong:"short='t',help='Object store endpoint URL.',env='MINIO_ENDPOINT'"`
	AccessKey string `kong:"help='Object store access key.',env='MINIO_ACCESS_KEY'"`
	SecretKey string `kong:"help='Object store secret key.',env='MINIO_SECRET_KEY'"`
	Bucket    string `kong:"help='Target bucket.',env='MINIO_BUCKET'"`
	Prefix    string `kong:"help='Key prefix inside the bucket.',env='MINIO_PREFIX'"`
	Region    string `kong:"help='Signing region (default us-east-1).',env='MINIO_REGION'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Access   AccessConfig   `toml:"access"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Storage  StorageConfig  `toml:"storage"`

	// Command is the command this configuration was loaded for.
	Command string `toml:"-"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds proxy listener settings.
type ServerConfig struct {
	Host                     string `toml:"host"`
	Port                     int    `toml:"port"` // 0 means the mode's default port
	BodyMaxBytes             int64  `toml:"body_max_bytes"` // 0 means unlimited
	ReadHeaderTimeoutSeconds int    `toml:"read_header_timeout_seconds"`
	IdleTimeoutSeconds       int    `toml:"idle_timeout_seconds"`
	ShutdownTimeoutSeconds   int    `toml:"shutdown_timeout_seconds"`
}

// AccessConfig holds the injected Cloudflare Access credential pair.
type AccessConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	URL                   string `toml:"url"`
	TimeoutSeconds        int    `toml:"timeout_seconds"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
	InsecureSkipVerify    bool   `toml:"insecure_skip_verify"`
	StripAcceptEncoding   *bool  `toml:"strip_accept_encoding"` // nil means true
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds the admin listener settings (health, status, metrics).
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// StorageConfig holds object store settings for the upload command.
type StorageConfig struct {
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	Region    string `toml:"region"`
	Dir       string `toml:"dir"`
}

// MissingError reports every required setting that has no value.
type MissingError struct {
	Settings []string
}

func (e *MissingError) Error() string {
	return "missing required configuration: " + strings.Join(e.Settings, ", ")
}

// Load reads the optional TOML config file and applies CLI and environment
// overrides. When no explicit path is given (via --config or CONFIG_PATH), it
// searches /etc/cf-access-proxy/config.toml then configs/config.toml; finding
// no file is not an error.
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

	cfg.Command = cli.Command
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.ClientID != "" {
		c.Access.ClientID = cli.ClientID
	}
	if cli.ClientSecret != "" {
		c.Access.ClientSecret = cli.ClientSecret
	}

	switch c.Command {
	case CommandForward:
		if cli.Forward.Port != 0 {
			c.Server.Port = cli.Forward.Port
		}
	case CommandReverse:
		if cli.Reverse.Port != 0 {
			c.Server.Port = cli.Reverse.Port
		}
		if cli.Reverse.Target != "" {
			c.Upstream.URL = cli.Reverse.Target
		}
	case CommandUpload:
		u := cli.Upload
		if u.Target != "" {
			c.Upstream.URL = u.Target
		}
		if u.AccessKey != "" {
			c.Storage.AccessKey = u.AccessKey
		}
		if u.SecretKey != "" {
			c.Storage.SecretKey = u.SecretKey
		}
		if u.Bucket != "" {
			c.Storage.Bucket = u.Bucket
		}
		if u.Prefix != "" {
			c.Storage.Prefix = u.Prefix
		}
		if u.Region != "" {
			c.Storage.Region = u.Region
		}
		if u.Dir != "" {
			c.Storage.Dir = u.Dir
		}
	}
}

func (c *Config) validate() error {
	var errs error

	switch c.Command {
	case CommandForward, CommandReverse, CommandUpload:
	default:
		return fmt.Errorf("unknown command %q", c.Command)
	}

	if missing := c.missing(); len(missing) > 0 {
		errs = multierr.Append(errs, &MissingError{Settings: missing})
	}

	if c.Upstream.URL != "" {
		if err := validateOrigin(c.Upstream.URL); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port))
	}
	if c.Server.BodyMaxBytes < 0 {
		errs = multierr.Append(errs, fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes))
	}
	for name, v := range map[string]int{
		"server.read_header_timeout_seconds": c.Server.ReadHeaderTimeoutSeconds,
		"server.idle_timeout_seconds":        c.Server.IdleTimeoutSeconds,
		"server.shutdown_timeout_seconds":    c.Server.ShutdownTimeoutSeconds,
		"upstream.timeout_seconds":           c.Upstream.TimeoutSeconds,
		"upstream.connect_timeout_seconds":   c.Upstream.ConnectTimeoutSeconds,
	} {
		if v < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be non-negative; got %d", name, v))
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format))
	}

	// Admin listener validation (only when enabled).
	if c.Metrics.Enabled {
		if c.Metrics.Addr != "" {
			if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("metrics.addr must be host:port; got %q", c.Metrics.Addr))
			}
		}
		if p := c.Metrics.Path; p != "" {
			if p[0] != '/' {
				errs = multierr.Append(errs, fmt.Errorf("metrics.path must start with '/'; got %q", p))
			}
			for _, reserved := range []string{"/healthz", "/proxy/status"} {
				if p == reserved || strings.HasPrefix(p, reserved+"/") {
					errs = multierr.Append(errs, fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved))
				}
			}
		}
	}

	return errs
}

// missing lists required settings without a value, named by their
// environment variable and config key.
func (c *Config) missing() []string {
	var out []string
	need := func(ok bool, env, key string) {
		if !ok {
			out = append(out, fmt.Sprintf("%s (%s)", env, key))
		}
	}

	switch c.Command {
	case CommandForward:
		need(c.Access.ClientID != "", "CF_ACCESS_CLIENT_ID", "access.client_id")
		need(c.Access.ClientSecret != "", "CF_ACCESS_CLIENT_SECRET", "access.client_secret")
	case CommandReverse:
		need(c.Upstream.URL != "", "MINIO_ENDPOINT", "upstream.url")
		need(c.Access.ClientID != "", "CF_ACCESS_CLIENT_ID", "access.client_id")
		need(c.Access.ClientSecret != "", "CF_ACCESS_CLIENT_SECRET", "access.client_secret")
	case CommandUpload:
		need(c.Upstream.URL != "", "MINIO_ENDPOINT", "upstream.url")
		need(c.Storage.AccessKey != "", "MINIO_ACCESS_KEY", "storage.access_key")
		need(c.Storage.SecretKey != "", "MINIO_SECRET_KEY", "storage.secret_key")
		need(c.Storage.Bucket != "", "MINIO_BUCKET", "storage.bucket")
	}
	return out
}

// validateOrigin requires an http(s) URL made of scheme, host and optional port.
func validateOrigin(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("upstream.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.url must use http or https; got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.url has no host; got %q", raw)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("upstream.url must be an origin without a path; got %q", raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultForwardPort
		if c.Command == CommandReverse {
			c.Server.Port = DefaultReversePort
		}
	}
	if c.Server.ReadHeaderTimeoutSeconds == 0 {
		c.Server.ReadHeaderTimeoutSeconds = 10
	}
	if c.Server.IdleTimeoutSeconds == 0 {
		c.Server.IdleTimeoutSeconds = 120
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.StripAcceptEncoding == nil {
		strip := true
		c.Upstream.StripAcceptEncoding = &strip
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "dist"
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

// Mode returns the proxy mode for the loaded command. It is empty for upload.
func (c *Config) Mode() model.Mode {
	switch c.Command {
	case CommandForward:
		return model.ModeForward
	case CommandReverse:
		return model.ModeReverse
	}
	return ""
}

// Credentials returns the injected credential pair.
func (c *Config) Credentials() model.Credentials {
	return model.Credentials{
		ClientID:     c.Access.ClientID,
		ClientSecret: c.Access.ClientSecret,
	}
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// ShutdownTimeout returns the drain deadline for graceful shutdown.
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// StripsAcceptEncoding reports whether reverse mode drops Accept-Encoding.
func (c *UpstreamConfig) StripsAcceptEncoding() bool {
	return c.StripAcceptEncoding == nil || *c.StripAcceptEncoding
}

// Mask returns a diagnostic-safe rendering of a credential value: an
// 8-character prefix for long values, fully masked otherwise.
func Mask(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:8] + "..."
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

// LogSummary logs the effective proxy settings at startup. Credentials are
// masked with Mask; the client secret is never logged.
func (c *Config) LogSummary(logger *slog.Logger) {
	attrs := []any{
		"mode", string(c.Mode()),
		"addr", c.Server.Addr(),
		"client_id", Mask(c.Access.ClientID),
	}
	if c.Mode() == model.ModeReverse {
		attrs = append(attrs, "upstream", c.Upstream.URL)
	}
	if c.Metrics.Enabled {
		attrs = append(attrs, "admin_addr", c.Metrics.Addr)
	}
	logger.Info("proxy configured", attrs...)
}
