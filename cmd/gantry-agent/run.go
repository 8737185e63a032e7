// ABOUTME: The run subcommand: loads agent config, picks a transport and runs the agent loop
// ABOUTME: Flags override the TOML config; the agent UUID persists in the work directory

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/2389/gantry/internal/agentd"
	"github.com/2389/gantry/internal/artifact"
	"github.com/2389/gantry/internal/checksum"
	"github.com/2389/gantry/internal/config"
	"github.com/2389/gantry/internal/logging"
	"github.com/2389/gantry/internal/transport"
)

var (
	runConfigFile string
	runTransport  string
	runServer     string
	runAPIURL     string
	runWorkDir    string
	runLogLevel   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the server and run builds",
	Long: `Run the agent until interrupted. The agent:
  - registers with the server and keeps its cookie
  - sends heartbeats and asks for work while idle
  - runs assigned builders in the work directory
  - uploads artifacts and their checksums over HTTP`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigFile, "config", "c", config.Path("agent.toml"), "Path to config file")
	runCmd.Flags().StringVarP(&runTransport, "transport", "t", "", "Stream transport: grpc or websocket")
	runCmd.Flags().StringVarP(&runServer, "server", "s", "", "gRPC address or websocket URL, per transport")
	runCmd.Flags().StringVar(&runAPIURL, "api-url", "", "HTTP base URL for artifact uploads")
	runCmd.Flags().StringVarP(&runWorkDir, "work-dir", "w", "", "Directory builds run in")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "Log level (debug/info/warn/error)")
}

// applyFlags overlays command-line flags on the loaded config.
func applyFlags(cfg *config.AgentConfig) error {
	if runTransport != "" {
		cfg.Server.Transport = runTransport
	}
	if runServer != "" {
		if cfg.Server.Transport == "websocket" {
			cfg.Server.WebsocketURL = runServer
		} else {
			cfg.Server.GRPCAddr = runServer
		}
	}
	if runAPIURL != "" {
		cfg.Server.APIURL = runAPIURL
	}
	if runWorkDir != "" {
		cfg.Agent.WorkDir = runWorkDir
	}
	if runLogLevel != "" {
		cfg.Logging.Level = runLogLevel
	}
	return cfg.Finish()
}

// clientTLS loads the agent's TLS settings, or returns nil when none are
// configured.
func clientTLS(cfg *config.AgentConfig) (*tls.Config, error) {
	if !cfg.Server.UseTLS() {
		return nil, nil
	}
	return transport.ClientTLS(transport.TLSFiles{
		CertFile: cfg.Server.TLSCertFile,
		KeyFile:  cfg.Server.TLSKeyFile,
		CAFile:   cfg.Server.TLSCAFile,
	})
}

// dialer returns the stream dialer for the configured transport.
func dialer(cfg *config.AgentConfig, tlsCfg *tls.Config) agentd.Dialer {
	if cfg.Server.Transport == "websocket" {
		return func(ctx context.Context) (transport.Stream, error) {
			return transport.DialWebsocket(ctx, cfg.Server.WebsocketURL, nil, tlsCfg)
		}
	}
	var opts []grpc.DialOption
	if tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	}
	return func(ctx context.Context) (transport.Stream, error) {
		return transport.DialGRPC(ctx, cfg.Server.GRPCAddr, opts...)
	}
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadAgent(runConfigFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := applyFlags(cfg); err != nil {
		return err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if err := os.MkdirAll(cfg.Agent.WorkDir, 0o755); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}
	id, err := agentUUID(cfg.Agent.UUID, cfg.Agent.WorkDir)
	if err != nil {
		return err
	}

	tlsCfg, err := clientTLS(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var uploader *artifact.Client
	if cfg.Server.APIURL != "" {
		httpClient := &http.Client{Timeout: 30 * time.Minute}
		if tlsCfg != nil {
			tr := http.DefaultTransport.(*http.Transport).Clone()
			tr.TLSClientConfig = tlsCfg
			httpClient.Transport = tr
		}
		uploader = artifact.NewClient(cfg.Server.APIURL, httpClient)
	} else {
		logger.Warn("server.api_url not set, artifacts will not be published")
	}
	a := agentd.New(agentd.Config{
		UUID:              id,
		Hostname:          cfg.Agent.Hostname,
		IPAddress:         localIP(),
		WorkDir:           cfg.Agent.WorkDir,
		Resources:         cfg.Agent.Resources,
		Environments:      cfg.Agent.Environments,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		MaxBackoff:        cfg.Agent.MaxBackoff,
		CancelGrace:       cfg.Agent.CancelGrace,
		ChecksumAlgorithm: checksum.Algorithm(cfg.Agent.ChecksumAlgorithm),
	}, dialer(cfg, tlsCfg), uploader, logger)

	logger.Info("starting gantry-agent",
		"version", version,
		"agent_uuid", id,
		"transport", cfg.Server.Transport,
		"work_dir", cfg.Agent.WorkDir,
	)
	return a.Run(ctx)
}
