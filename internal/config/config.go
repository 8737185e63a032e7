// ABOUTME: Configuration loading and parsing for gantry-server
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/gantry/internal/checksum"
)

// Config represents the complete gantry-server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    AgentsConfig    `yaml:"agents"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Console   ConsoleConfig   `yaml:"console"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AuthConfig holds agent cookie configuration
type AuthConfig struct {
	// CookieSecret signs agent cookies. Empty means a random key per boot,
	// so every agent re-registers after a server restart.
	CookieSecret string `yaml:"cookie_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`

	// TLS for both listeners. Ignored when tailscale is enabled.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	// TLSClientCAFile, if set, requires agents to present a certificate
	// signed by this CA.
	TLSClientCAFile string `yaml:"tls_client_ca_file"`
}

// TLSEnabled reports whether the TCP listeners serve TLS.
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCertFile != ""
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent liveness timing
type AgentsConfig struct {
	SilenceTimeout  time.Duration `yaml:"-"`
	EvictionTimeout time.Duration `yaml:"-"`
	SweepInterval   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SilenceTimeoutRaw  string `yaml:"silence_timeout"`
	EvictionTimeoutRaw string `yaml:"eviction_timeout"`
	SweepIntervalRaw   string `yaml:"sweep_interval"`
}

// JobsConfig holds job supervision timing
type JobsConfig struct {
	ConsoleWarnAfter   time.Duration `yaml:"-"`
	ConsoleCancelAfter time.Duration `yaml:"-"`
	ReportWindow       time.Duration `yaml:"-"`

	ConsoleWarnAfterRaw   string `yaml:"console_warn_after"`
	ConsoleCancelAfterRaw string `yaml:"console_cancel_after"`
	ReportWindowRaw       string `yaml:"report_window"`
}

// ArtifactsConfig holds artifact storage configuration
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// ConsoleConfig holds console log storage configuration
type ConsoleConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied by Load when a value is not set.
const (
	DefaultSilenceTimeout     = time.Minute
	DefaultEvictionTimeout    = 24 * time.Hour
	DefaultSweepInterval      = 10 * time.Second
	DefaultConsoleWarnAfter   = 30 * time.Minute
	DefaultConsoleCancelAfter = time.Hour
	DefaultReportWindow       = 5 * time.Minute
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(cfg.Database.Path))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset durations and puts storage directories next to
// the database.
func (c *Config) applyDefaults(dataDir string) {
	setDefault(&c.Agents.SilenceTimeout, DefaultSilenceTimeout)
	setDefault(&c.Agents.EvictionTimeout, DefaultEvictionTimeout)
	setDefault(&c.Agents.SweepInterval, DefaultSweepInterval)
	setDefault(&c.Jobs.ConsoleWarnAfter, DefaultConsoleWarnAfter)
	setDefault(&c.Jobs.ConsoleCancelAfter, DefaultConsoleCancelAfter)
	setDefault(&c.Jobs.ReportWindow, DefaultReportWindow)

	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = filepath.Join(dataDir, "artifacts")
	}
	if c.Console.Dir == "" {
		c.Console.Dir = filepath.Join(dataDir, "console")
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Server.TLSClientCAFile != "" && c.Server.TLSCertFile == "" {
		return fmt.Errorf("server.tls_client_ca_file requires server.tls_cert_file")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Jobs.ConsoleWarnAfter > 0 && c.Jobs.ConsoleCancelAfter <= c.Jobs.ConsoleWarnAfter {
		return fmt.Errorf("jobs.console_cancel_after must be longer than jobs.console_warn_after")
	}
	if c.Agents.SilenceTimeout > 0 && c.Agents.EvictionTimeout <= c.Agents.SilenceTimeout {
		return fmt.Errorf("agents.eviction_timeout must be longer than agents.silence_timeout")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"silence_timeout", cfg.Agents.SilenceTimeoutRaw, &cfg.Agents.SilenceTimeout},
		{"eviction_timeout", cfg.Agents.EvictionTimeoutRaw, &cfg.Agents.EvictionTimeout},
		{"sweep_interval", cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval},
		{"console_warn_after", cfg.Jobs.ConsoleWarnAfterRaw, &cfg.Jobs.ConsoleWarnAfter},
		{"console_cancel_after", cfg.Jobs.ConsoleCancelAfterRaw, &cfg.Jobs.ConsoleCancelAfter},
		{"report_window", cfg.Jobs.ReportWindowRaw, &cfg.Jobs.ReportWindow},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// validAlgorithm reports whether a names a supported checksum algorithm.
func validAlgorithm(a string) bool {
	_, err := checksum.Algorithm(a).New()
	return err == nil
}
