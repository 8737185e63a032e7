// ABOUTME: Entry point for the gantry CI/CD server
// ABOUTME: Serves agents and the operator API, plus small client subcommands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/gantry/internal/config"
	"github.com/2389/gantry/internal/gateway"
	"github.com/2389/gantry/internal/logging"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                    _
  __ _  __ _ _ __ | |_ _ __ _   _
 / _' |/ _' | '_ \| __| '__| | | |
| (_| | (_| | | | | |_| |  | |_| |
 \__, |\__,_|_| |_|\__|_|   \__, |
 |___/                      |___/
`

const configName = "server.yaml"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: gantry-server <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve             Start the server")
		fmt.Println("  init              Create a new config file interactively")
		fmt.Println("  health            Check server health")
		fmt.Println("  agents            List registered agents")
		fmt.Println("  jobs [STATE,...]  List jobs")
		fmt.Println("  cancel BUILD_ID   Cancel a job")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "jobs":
		err = runJobs(ctx, os.Args[2:])
	case "cancel":
		err = runCancel(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.Path(configName)

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Artifacts: %s\n", cfg.Artifacts.Dir)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.CookieSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("No cookie secret: agents re-register after every restart")
	}

	fmt.Println()

	logger.Info("starting gantry-server",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// apiRequest sends a request to the configured server's HTTP address.
func apiRequest(ctx context.Context, method, path string) (*http.Response, error) {
	cfg, err := config.Load(config.Path(configName))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	scheme := "http"
	if cfg.Server.TLSEnabled() && !cfg.Tailscale.Enabled {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func decodeAPI(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func runHealth(ctx context.Context) error {
	resp, err := apiRequest(ctx, http.MethodGet, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	resp, err := apiRequest(ctx, http.MethodGet, "/api/agents")
	if err != nil {
		return err
	}
	var agents []gateway.AgentInfoResponse
	if err := decodeAPI(resp, &agents); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tHOST\tSTATUS\tJOB\tENABLED\tCONNECTED")
	for _, a := range agents {
		job := "-"
		if a.Job != nil {
			job = a.Job.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%t\n", a.UUID, a.HostName, a.Status, job, a.Enabled, a.Connected)
	}
	return tw.Flush()
}

func runJobs(ctx context.Context, args []string) error {
	path := "/api/jobs"
	if len(args) > 0 {
		path += "?state=" + strings.Join(args, ",")
	}
	resp, err := apiRequest(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	var jobs []gateway.JobResponse
	if err := decodeAPI(resp, &jobs); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUILD\tJOB\tSTATE\tRESULT\tAGENT")
	for _, j := range jobs {
		agentUUID := j.AgentUUID
		if agentUUID == "" {
			agentUUID = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", j.BuildID, j.Identifier.String(), j.State, j.Result, agentUUID)
	}
	return tw.Flush()
}

func runCancel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: gantry-server cancel BUILD_ID")
	}
	resp, err := apiRequest(ctx, http.MethodPost, "/api/jobs/"+args[0]+"/cancel")
	if err != nil {
		return err
	}
	if err := decodeAPI(resp, nil); err != nil {
		return err
	}
	fmt.Printf("cancel requested for build %s\n", args[0])
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("gantry-server configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultConfigPath := config.Path(configName)
	defaultDataPath := config.DataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gantry.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	grpcAddr := prompt(reader, "gRPC address", "localhost:50051")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Storage Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)
	artifactDir := prompt(reader, "Artifact directory", filepath.Join(filepath.Dir(dbPath), "artifacts"))

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "gantry")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating cookie secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# gantry-server configuration\n")
	cfg.WriteString("# Generated by gantry-server init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  grpc_addr: \"%s\"\n", grpcAddr))
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("artifacts:\n")
	cfg.WriteString(fmt.Sprintf("  dir: \"%s\"\n", artifactDir))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  cookie_secret: \"%s\"\n", base64.StdEncoding.EncodeToString(secret)))
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString("  silence_timeout: \"1m\"\n")
	cfg.WriteString("  eviction_timeout: \"24h\"\n")
	cfg.WriteString("  sweep_interval: \"10s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("jobs:\n")
	cfg.WriteString("  console_warn_after: \"30m\"\n")
	cfg.WriteString("  console_cancel_after: \"1h\"\n")
	cfg.WriteString("  report_window: \"5m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file holds the cookie secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  gantry-server serve\n")

	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
