// ABOUTME: Gateway orchestrator that wires the dispatch core to gRPC and HTTP servers
// ABOUTME: Owns store, coordinator, sessions, artifacts, maintenance loops and shutdown

package gateway

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/gantry/internal/agent"
	"github.com/2389/gantry/internal/artifact"
	"github.com/2389/gantry/internal/auth"
	"github.com/2389/gantry/internal/config"
	"github.com/2389/gantry/internal/console"
	"github.com/2389/gantry/internal/dispatch"
	"github.com/2389/gantry/internal/events"
	"github.com/2389/gantry/internal/metrics"
	"github.com/2389/gantry/internal/store"
	"github.com/2389/gantry/internal/transport"
)

// Gateway orchestrates the gantry server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    *agent.Registry
	coord       *dispatch.Coordinator
	broadcaster *events.Broadcaster
	console     *console.Log
	receiver    *artifact.Receiver
	cookies     *auth.CookieIssuer
	metrics     *metrics.Metrics
	sessions    *transport.Handler
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	tlsConfig   *tls.Config
	logger      *slog.Logger

	// background loops started by Run
	bg sync.WaitGroup
}

// initStore creates the store from config; GANTRY_DB_PATH overrides the path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("GANTRY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// cookieSecret returns the configured secret, or nil for a per-boot key.
func cookieSecret(cfg *config.Config) []byte {
	if cfg.Auth.CookieSecret == "" {
		return nil
	}
	return []byte(cfg.Auth.CookieSecret)
}

// cookieIssuer is fixed when a secret is configured so cookies survive a
// restart. Without one every boot gets its own issuer.
func cookieIssuer(cfg *config.Config) string {
	if cfg.Auth.CookieSecret != "" {
		return "gantry"
	}
	return "gantry-" + bootID()
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	cookies, err := auth.NewCookieIssuer(cookieSecret(cfg), cookieIssuer(cfg), 0)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	var tlsCfg *tls.Config
	if cfg.Server.TLSEnabled() && !cfg.Tailscale.Enabled {
		tlsCfg, err = transport.ServerTLS(transport.TLSFiles{
			CertFile: cfg.Server.TLSCertFile,
			KeyFile:  cfg.Server.TLSKeyFile,
			CAFile:   cfg.Server.TLSClientCAFile,
		})
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	consoleLog, err := console.New(cfg.Console.Dir, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating console log: %w", err)
	}

	m := metrics.New()
	registry := agent.NewRegistry(logger)
	receiver, err := artifact.NewReceiver(cfg.Artifacts.Dir, s, registry, cookies, m, logger)
	if err != nil {
		_ = consoleLog.Close()
		_ = s.Close()
		return nil, fmt.Errorf("creating artifact receiver: %w", err)
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		registry:    registry,
		broadcaster: events.NewBroadcaster(logger),
		console:     consoleLog,
		receiver:    receiver,
		cookies:     cookies,
		metrics:     m,
		tlsConfig:   tlsCfg,
		logger:      logger.With("component", "gateway"),
	}
	gw.coord = dispatch.New(dispatch.Config{
		SilenceTimeout:     cfg.Agents.SilenceTimeout,
		EvictionTimeout:    cfg.Agents.EvictionTimeout,
		ConsoleWarnAfter:   cfg.Jobs.ConsoleWarnAfter,
		ConsoleCancelAfter: cfg.Jobs.ConsoleCancelAfter,
		ReportWindow:       cfg.Jobs.ReportWindow,
	}, dispatch.Options{
		Registry: registry,
		Store:    s,
		Events:   gw.broadcaster,
		Console:  consoleLog,
		Metrics:  m,
		Logger:   logger,
		Verdict:  receiver.Err,
		OnFinish: gw.releaseBuild,
	})
	gw.sessions = transport.NewHandler(gw.coord, cookies, m, logger)
	gw.grpcServer = createGRPCServer(gw.sessions, tlsCfg, logger)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// Coordinator returns the dispatch coordinator.
func (g *Gateway) Coordinator() *dispatch.Coordinator { return g.coord }

// createGRPCServer creates the gRPC server carrying agent streams. tlsCfg
// may be nil for plaintext.
func createGRPCServer(sessions *transport.Handler, tlsCfg *tls.Config, logger *slog.Logger) *grpc.Server {
	opts := append(transport.ServerOptions(), grpc.ChainStreamInterceptor(transport.StreamInterceptor(logger)))
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	server := grpc.NewServer(opts...)
	transport.RegisterGRPC(server, sessions)
	return server
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
		"tls", g.tlsConfig != nil,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.tlsConfig != nil {
		httpCfg := g.tlsConfig.Clone()
		httpCfg.NextProtos = []string{"http/1.1"}
		httpLn = tls.NewListener(httpLn, httpCfg)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run restores persisted state, starts the servers and maintenance loops,
// and blocks until the context is canceled or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.coord.Restore(ctx); err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}

	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	g.startBackground(bgCtx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopBackground()
	g.bg.Wait()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startBackground launches the sweep loop.
func (g *Gateway) startBackground(ctx context.Context) {
	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		g.maintain(ctx)
	}()
}

// maintain runs the liveness sweep and console monitor every sweep interval.
func (g *Gateway) maintain(ctx context.Context) {
	ticker := time.NewTicker(g.config.Agents.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.runMaintenance(ctx, now)
		}
	}
}

func (g *Gateway) runMaintenance(ctx context.Context, now time.Time) {
	g.coord.Sweep(ctx, now)
	g.coord.MonitorConsole(ctx, now)
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	return filepath.Join(config.DataPath(), "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
// Agents reach the server only over the tailnet, which authenticates both ends.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Agent streams are closed; agents stay registered and recover on restart.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.coord.Close()
	g.broadcaster.Close()
	errs = appendCloseError(errs, "console close", g.console.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// bootID is a random tag that makes cookies from earlier boots fail the
// issuer check.
func bootID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
