// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "server.yaml", `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  path: "/data/gantry.db"

agents:
  silence_timeout: "45s"
  eviction_timeout: "12h"
  sweep_interval: "5s"

jobs:
  console_warn_after: "10m"
  console_cancel_after: "20m"

artifacts:
  dir: "/srv/artifacts"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Agents.SilenceTimeout != 45*time.Second {
		t.Errorf("Agents.SilenceTimeout = %v, want 45s", cfg.Agents.SilenceTimeout)
	}
	if cfg.Agents.EvictionTimeout != 12*time.Hour {
		t.Errorf("Agents.EvictionTimeout = %v, want 12h", cfg.Agents.EvictionTimeout)
	}
	if cfg.Jobs.ConsoleCancelAfter != 20*time.Minute {
		t.Errorf("Jobs.ConsoleCancelAfter = %v, want 20m", cfg.Jobs.ConsoleCancelAfter)
	}
	if cfg.Jobs.ReportWindow != DefaultReportWindow {
		t.Errorf("Jobs.ReportWindow = %v, want default %v", cfg.Jobs.ReportWindow, DefaultReportWindow)
	}
	if cfg.Artifacts.Dir != "/srv/artifacts" {
		t.Errorf("Artifacts.Dir = %q, want /srv/artifacts", cfg.Artifacts.Dir)
	}
	if cfg.Console.Dir != filepath.Join("/data", "console") {
		t.Errorf("Console.Dir = %q, want it next to the database", cfg.Console.Dir)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want /metrics", cfg.Metrics.Path)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_GANTRY_SECRET", "s3cret")

	path := writeConfig(t, "server.yaml", `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"
database:
  path: "./test.db"
auth:
  cookie_secret: "${TEST_GANTRY_SECRET}"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.CookieSecret != "s3cret" {
		t.Errorf("Auth.CookieSecret = %q, want %q", cfg.Auth.CookieSecret, "s3cret")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server.yaml", `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr "missing colon"
`)
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "server.yaml", `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"
database:
  path: "./test.db"
agents:
  silence_timeout: "soon"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "silence_timeout") {
		t.Errorf("Load() error = %v, want silence_timeout parse error", err)
	}
}

func TestLoad_CancelMustFollowWarn(t *testing.T) {
	path := writeConfig(t, "server.yaml", `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"
database:
  path: "./test.db"
jobs:
  console_warn_after: "1h"
  console_cancel_after: "30m"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "console_cancel_after") {
		t.Errorf("Load() error = %v, want console_cancel_after error", err)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "single env var", input: "${FOO}", expected: "bar"},
		{name: "env var with surrounding text", input: "prefix-${FOO}-suffix", expected: "prefix-bar-suffix"},
		{name: "multiple env vars", input: "${FOO}/${BAZ}", expected: "bar/qux"},
		{name: "no env vars", input: "no-vars-here", expected: "no-vars-here"},
		{name: "unset env var", input: "${UNSET_VAR}", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := expandEnvVars(tt.input); result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestValidate_TailscaleConfig(t *testing.T) {
	tests := []struct {
		name          string
		cfg           Config
		wantErr       bool
		wantErrSubstr string
	}{
		{
			name: "tailscale enabled allows empty server addresses",
			cfg: Config{
				Tailscale: TailscaleConfig{Enabled: true, Hostname: "gantry"},
				Database:  DatabaseConfig{Path: "./test.db"},
			},
		},
		{
			name: "tailscale enabled requires hostname",
			cfg: Config{
				Tailscale: TailscaleConfig{Enabled: true},
				Database:  DatabaseConfig{Path: "./test.db"},
			},
			wantErr:       true,
			wantErrSubstr: "tailscale.hostname is required",
		},
		{
			name: "tailscale disabled requires server addresses",
			cfg: Config{
				Database: DatabaseConfig{Path: "./test.db"},
			},
			wantErr:       true,
			wantErrSubstr: "server.grpc_addr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErrSubstr)
					return
				}
				if !strings.Contains(err.Error(), tt.wantErrSubstr) {
					t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
				}
			} else if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestValidate_ServerTLS(t *testing.T) {
	base := func() Config {
		return Config{
			Server:   ServerConfig{GRPCAddr: ":50051", HTTPAddr: ":8080"},
			Database: DatabaseConfig{Path: "./test.db"},
		}
	}

	cfg := base()
	cfg.Server.TLSCertFile = "server.pem"
	cfg.Server.TLSKeyFile = "server-key.pem"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
	if !cfg.Server.TLSEnabled() {
		t.Error("TLSEnabled() = false with a certificate configured")
	}

	cfg = base()
	cfg.Server.TLSKeyFile = "server-key.pem"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "tls_cert_file") {
		t.Errorf("Validate() error = %v, want error about tls_cert_file", err)
	}

	cfg = base()
	cfg.Server.TLSClientCAFile = "ca.pem"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "tls_client_ca_file") {
		t.Errorf("Validate() error = %v, want error about tls_client_ca_file", err)
	}
}

func TestAgentServerConfig_UseTLS(t *testing.T) {
	if (AgentServerConfig{}).UseTLS() {
		t.Error("UseTLS() = true with nothing set")
	}
	if !(AgentServerConfig{TLS: true}).UseTLS() {
		t.Error("UseTLS() = false with tls = true")
	}
	if !(AgentServerConfig{TLSCAFile: "ca.pem"}).UseTLS() {
		t.Error("UseTLS() = false with a CA file")
	}
}

func TestLoadAgent(t *testing.T) {
	t.Setenv("TEST_GANTRY_HOST", "ci.internal")
	path := writeConfig(t, "agent.toml", `
[server]
transport = "websocket"
websocket_url = "ws://${TEST_GANTRY_HOST}:8080/agent/ws"
api_url = "http://${TEST_GANTRY_HOST}:8080"

[agent]
work_dir = "/tmp/agent"
resources = ["linux", "docker"]
checksum_algorithm = "blake3"
heartbeat_interval = "3s"
`)
	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if cfg.Server.WebsocketURL != "ws://ci.internal:8080/agent/ws" {
		t.Errorf("Server.WebsocketURL = %q", cfg.Server.WebsocketURL)
	}
	if cfg.Agent.HeartbeatInterval != 3*time.Second {
		t.Errorf("Agent.HeartbeatInterval = %v, want 3s", cfg.Agent.HeartbeatInterval)
	}
	if cfg.Agent.MaxBackoff != DefaultMaxBackoff {
		t.Errorf("Agent.MaxBackoff = %v, want default", cfg.Agent.MaxBackoff)
	}
	if len(cfg.Agent.Resources) != 2 || cfg.Agent.Resources[1] != "docker" {
		t.Errorf("Agent.Resources = %v", cfg.Agent.Resources)
	}
	if cfg.Agent.Hostname == "" {
		t.Error("Agent.Hostname should default to the machine hostname")
	}
}

func TestAgentConfig_Validate(t *testing.T) {
	tests := []struct {
		name          string
		cfg           AgentConfig
		wantErrSubstr string
	}{
		{
			name:          "grpc needs an address",
			cfg:           AgentConfig{Server: AgentServerConfig{Transport: "grpc"}, Agent: AgentSection{WorkDir: "/w", ChecksumAlgorithm: "md5"}},
			wantErrSubstr: "server.grpc_addr",
		},
		{
			name:          "websocket needs a ws url",
			cfg:           AgentConfig{Server: AgentServerConfig{Transport: "websocket", WebsocketURL: "http://x"}, Agent: AgentSection{WorkDir: "/w", ChecksumAlgorithm: "md5"}},
			wantErrSubstr: "server.websocket_url",
		},
		{
			name:          "unknown transport",
			cfg:           AgentConfig{Server: AgentServerConfig{Transport: "carrier-pigeon"}, Agent: AgentSection{WorkDir: "/w"}},
			wantErrSubstr: "server.transport",
		},
		{
			name:          "unknown algorithm",
			cfg:           AgentConfig{Server: AgentServerConfig{Transport: "grpc", GRPCAddr: "x:1"}, Agent: AgentSection{WorkDir: "/w", ChecksumAlgorithm: "crc32"}},
			wantErrSubstr: "checksum_algorithm",
		},
		{
			name:          "tls cert without key",
			cfg:           AgentConfig{Server: AgentServerConfig{Transport: "grpc", GRPCAddr: "x:1", TLSCertFile: "agent.pem"}, Agent: AgentSection{WorkDir: "/w", ChecksumAlgorithm: "md5"}},
			wantErrSubstr: "tls_key_file",
		},
		{
			name:          "work dir required",
			cfg:           AgentConfig{Server: AgentServerConfig{Transport: "grpc", GRPCAddr: "x:1"}, Agent: AgentSection{ChecksumAlgorithm: "md5"}},
			wantErrSubstr: "agent.work_dir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErrSubstr)
			}
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv("GANTRY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := Path("server.yaml"); got != filepath.Join("/xdg", "gantry", "server.yaml") {
		t.Errorf("Path() = %q", got)
	}
	t.Setenv("GANTRY_CONFIG", "/etc/gantry.yaml")
	if got := Path("server.yaml"); got != "/etc/gantry.yaml" {
		t.Errorf("Path() = %q, want GANTRY_CONFIG", got)
	}
}
