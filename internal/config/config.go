// Package config handles loading, validating, and applying
// configuration for pushbutan.  Configuration is read from a YAML file
// and can be overridden by CLI flags.  The GitHub token can also come
// from the GITHUB_TOKEN environment variable or the system keyring.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/pushbutan/internal/gh"
	"github.com/terrpan/pushbutan/internal/ops"
)

const (
	// EnvToken is the environment variable the token falls back to.
	EnvToken = "GITHUB_TOKEN"

	keyringService = "pushbutan"
	keyringUser    = "github-token"
)

// ErrNoToken is the startup-time fatal condition for a missing
// credential.
var ErrNoToken = errors.New("missing GitHub credential")

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub     GitHubConfig     `yaml:"github"`
	Workflows  WorkflowsConfig  `yaml:"workflows"`
	Logs       LogsConfig       `yaml:"logs"`
	Logging    LoggingConfig    `yaml:"logging"`
	OTel       OTelConfig       `yaml:"otel"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// GitHubConfig holds the credential and repository coordinates.
type GitHubConfig struct {
	// APIURL overrides the GitHub API base URL.  Default:
	// https://api.github.com.
	APIURL string `yaml:"api_url"`

	// Owner and Repo identify the repository whose workflows are
	// driven.  Defaults: anaconda-distribution / rocket-platform.
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`

	// Token is the bearer credential.  If empty, the GITHUB_TOKEN
	// environment variable and then the system keyring are consulted.
	Token string `yaml:"token"`
}

// WorkflowsConfig overrides the pinned workflow ids.  Zero values keep
// the defaults.
type WorkflowsConfig struct {
	DevInstanceID  int64 `yaml:"dev_instance_id"`
	StopInstanceID int64 `yaml:"stop_instance_id"`
	CodesignID     int64 `yaml:"codesign_id"`
}

// LogsConfig controls where raw run logs are persisted when requested.
type LogsConfig struct {
	// Dir is the directory for saved run logs.  Default: "logs".
	Dir string `yaml:"dir"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// PrometheusConfig controls the /metrics endpoint served in MCP mode.
type PrometheusConfig struct {
	// Port for the metrics/health listener.  Zero disables it; one-shot
	// CLI invocations have nothing to scrape.
	Port int `yaml:"port"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed
// Config.  A missing file is not an error -- flags, env vars, and
// defaults can supply everything.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = gh.DefaultAPIURL
	}
	if c.GitHub.Owner == "" {
		c.GitHub.Owner = gh.DefaultOwner
	}
	if c.GitHub.Repo == "" {
		c.GitHub.Repo = gh.DefaultRepo
	}
	if c.Logs.Dir == "" {
		c.Logs.Dir = "logs"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, err := url.ParseRequestURI(c.GitHub.APIURL); err != nil {
		return fmt.Errorf("github.api_url: invalid URL %q: %w", c.GitHub.APIURL, err)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
	}

	if c.Prometheus.Port < 0 || c.Prometheus.Port > 65535 {
		return fmt.Errorf("prometheus.port %d is out of range", c.Prometheus.Port)
	}

	return nil
}

// ResolveToken returns the bearer credential: explicit config first,
// then the GITHUB_TOKEN environment variable, then the system keyring.
// Absence is a startup-time fatal condition.
func (c *Config) ResolveToken() (string, error) {
	if c.GitHub.Token != "" {
		return c.GitHub.Token, nil
	}
	if tok := os.Getenv(EnvToken); tok != "" {
		return tok, nil
	}
	tok, err := keyring.Get(keyringService, keyringUser)
	if err == nil && tok != "" {
		return tok, nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: keyring lookup failed: %v", ErrNoToken, err)
	}
	return "", fmt.Errorf("%w: set github.token, the %s environment variable, or store it in the system keyring (service %q, user %q)",
		ErrNoToken, EnvToken, keyringService, keyringUser)
}

// StoreToken saves the credential in the system keyring.
func StoreToken(token string) error {
	if err := keyring.Set(keyringService, keyringUser, token); err != nil {
		return fmt.Errorf("storing token in keyring: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	return c.newLogger(os.Stdout)
}

// NewStderrLogger creates a logger writing to stderr.  The MCP stdio
// protocol owns stdout, so server mode logs there.
func (c *Config) NewStderrLogger() *slog.Logger {
	return c.newLogger(os.Stderr)
}

func (c *Config) newLogger(w *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewClient creates a gh.Client using the resolved credential.
func (c *Config) NewClient(logger *slog.Logger) (*gh.Client, error) {
	token, err := c.ResolveToken()
	if err != nil {
		return nil, err
	}
	return gh.New(gh.Config{
		APIURL: c.GitHub.APIURL,
		Owner:  c.GitHub.Owner,
		Repo:   c.GitHub.Repo,
		Token:  token,
		Logger: logger.WithGroup("gh"),
	})
}

// NewService assembles the operation facade for the authenticated
// username.
func (c *Config) NewService(client *gh.Client, username string, logger *slog.Logger) *ops.Service {
	return ops.New(ops.Config{
		Client:   client,
		Username: username,
		Workflows: ops.WorkflowIDs{
			DevInstance:  c.Workflows.DevInstanceID,
			StopInstance: c.Workflows.StopInstanceID,
			Codesign:     c.Workflows.CodesignID,
		},
		LogsDir: c.Logs.Dir,
		Logger:  logger.WithGroup("ops"),
	})
}
