// ABOUTME: Configuration loading for gantry-agent
// ABOUTME: Loads TOML config with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// AgentConfig is the gantry-agent configuration.
type AgentConfig struct {
	Server  AgentServerConfig `toml:"server"`
	Agent   AgentSection      `toml:"agent"`
	Logging LoggingConfig     `toml:"logging"`
}

// AgentServerConfig says how to reach the server.
type AgentServerConfig struct {
	// Transport is "grpc" or "websocket".
	Transport string `toml:"transport"`
	GRPCAddr  string `toml:"grpc_addr"`
	// WebsocketURL is e.g. ws://host:8080/agent/ws.
	WebsocketURL string `toml:"websocket_url"`
	// APIURL is the HTTP base used for artifact uploads.
	APIURL string `toml:"api_url"`

	// TLS turns on TLS for the grpc transport. Setting any of the files
	// implies it. wss:// and https:// URLs use the same settings.
	TLS         bool   `toml:"tls"`
	TLSCAFile   string `toml:"tls_ca_file"`
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
}

// UseTLS reports whether the agent should dial the grpc transport with TLS.
func (c AgentServerConfig) UseTLS() bool {
	return c.TLS || c.TLSCAFile != "" || c.TLSCertFile != ""
}

// AgentSection describes this agent.
type AgentSection struct {
	UUID              string   `toml:"uuid"`
	Hostname          string   `toml:"hostname"`
	WorkDir           string   `toml:"work_dir"`
	Resources         []string `toml:"resources"`
	Environments      []string `toml:"environments"`
	ChecksumAlgorithm string   `toml:"checksum_algorithm"`

	HeartbeatInterval time.Duration `toml:"-"`
	MaxBackoff        time.Duration `toml:"-"`
	CancelGrace       time.Duration `toml:"-"`

	HeartbeatIntervalRaw string `toml:"heartbeat_interval"`
	MaxBackoffRaw        string `toml:"max_backoff"`
	CancelGraceRaw       string `toml:"cancel_grace"`
}

// Agent defaults.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultMaxBackoff        = time.Minute
	DefaultCancelGrace       = 10 * time.Second
)

// LoadAgent reads the agent config from path, expanding environment variables.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg AgentConfig
	if _, err := toml.Decode(expandEnvVars(string(data)), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Finish parses durations, applies defaults and validates. Call it after
// changing fields by hand, for example from command-line flags.
func (c *AgentConfig) Finish() error {
	a := &c.Agent
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", a.HeartbeatIntervalRaw, &a.HeartbeatInterval},
		{"max_backoff", a.MaxBackoffRaw, &a.MaxBackoff},
		{"cancel_grace", a.CancelGraceRaw, &a.CancelGrace},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	setDefault(&a.HeartbeatInterval, DefaultHeartbeatInterval)
	setDefault(&a.MaxBackoff, DefaultMaxBackoff)
	setDefault(&a.CancelGrace, DefaultCancelGrace)
	if a.ChecksumAlgorithm == "" {
		a.ChecksumAlgorithm = "md5"
	}
	if c.Server.Transport == "" {
		c.Server.Transport = "grpc"
	}
	if a.Hostname == "" {
		a.Hostname, _ = os.Hostname()
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// Validate checks that required config fields are present and valid.
func (c *AgentConfig) Validate() error {
	switch c.Server.Transport {
	case "grpc":
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required for the grpc transport")
		}
	case "websocket":
		u, err := url.Parse(c.Server.WebsocketURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("server.websocket_url must be a ws:// or wss:// URL")
		}
	default:
		return fmt.Errorf("server.transport must be grpc or websocket, got %q", c.Server.Transport)
	}

	if c.Server.APIURL != "" {
		u, err := url.Parse(c.Server.APIURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("server.api_url must be an http or https URL")
		}
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Agent.WorkDir == "" {
		return fmt.Errorf("agent.work_dir is required")
	}
	if !validAlgorithm(c.Agent.ChecksumAlgorithm) {
		return fmt.Errorf("agent.checksum_algorithm %q is not supported", c.Agent.ChecksumAlgorithm)
	}
	return nil
}
