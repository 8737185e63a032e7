// ABOUTME: Agent connection loop: dial with backoff, handshake, heartbeats and message handling.
// ABOUTME: All sends go through one mutex so reports, console output and pings never interleave.

package agentd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/gantry/internal/artifact"
	"github.com/2389/gantry/internal/checksum"
	"github.com/2389/gantry/internal/protocol"
	"github.com/2389/gantry/internal/transport"
	"github.com/2389/gantry/internal/work"
)

// ErrNotConnected is returned when sending without a live stream.
var ErrNotConnected = errors.New("not connected")

// Dialer opens a new stream to the server.
type Dialer func(ctx context.Context) (transport.Stream, error)

// Config describes the agent.
type Config struct {
	UUID         string
	Hostname     string
	IPAddress    string
	WorkDir      string
	Resources    []string
	Environments []string

	HeartbeatInterval time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	CancelGrace       time.Duration

	ChecksumAlgorithm checksum.Algorithm
}

// Agent is one build agent process.
type Agent struct {
	cfg      Config
	dial     Dialer
	uploader *artifact.Client
	logger   *slog.Logger

	sendMu sync.Mutex
	stream transport.Stream
	// statusMu orders pings after the Completed report of a finished build.
	statusMu sync.Mutex

	mu      sync.Mutex
	cookie  string
	status  protocol.RuntimeStatus
	current *run
	wg      sync.WaitGroup
}

// New creates an agent. uploader may be nil, in which case artifacts are
// hashed and reported but not uploaded.
func New(cfg Config, dial Dialer, uploader *artifact.Client, logger *slog.Logger) *Agent {
	if cfg.UUID == "" {
		cfg.UUID = uuid.New().String()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 60 * cfg.MinBackoff
	}
	if cfg.ChecksumAlgorithm == "" {
		cfg.ChecksumAlgorithm = checksum.MD5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:      cfg,
		dial:     dial,
		uploader: uploader,
		logger:   logger.With("component", "agentd", "agent_uuid", cfg.UUID),
		status:   protocol.StatusIdle,
	}
}

// UUID returns the agent's identifier.
func (a *Agent) UUID() string { return a.cfg.UUID }

// Status returns the agent's local runtime status.
func (a *Agent) Status() protocol.RuntimeStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Run keeps a connection to the server until ctx is done. A running build
// is cancelled and waited for before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	defer func() {
		a.cancelCurrent("agent shutting down")
		a.wg.Wait()
	}()

	delay := a.cfg.MinBackoff
	for {
		stream, err := a.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn("connection failed", "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return nil
			}
			delay = min(delay*2, a.cfg.MaxBackoff)
			continue
		}
		delay = a.cfg.MinBackoff

		a.logger.Info("=== CONNECTED ===")
		err = a.session(ctx, stream)
		if ctx.Err() != nil {
			return nil
		}
		a.logger.Warn("connection lost", "error", err, "retry_in", delay)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// session runs one connection: handshake, heartbeats and the read loop.
func (a *Agent) session(ctx context.Context, stream transport.Stream) error {
	a.sendMu.Lock()
	a.stream = stream
	a.sendMu.Unlock()

	sessCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		a.sendMu.Lock()
		a.stream = nil
		a.sendMu.Unlock()
		_ = stream.Close()
	}()

	go func() {
		<-sessCtx.Done()
		_ = stream.Close()
	}()

	if err := a.ping(); err != nil {
		return err
	}
	go a.heartbeat(sessCtx)

	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedMessage) {
				a.logger.Warn("dropping malformed message", "error", err)
				continue
			}
			return err
		}
		a.handle(ctx, msg)
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.ping(); err != nil {
				a.logger.Warn("failed to send heartbeat", "error", err)
				return
			}
		}
	}
}

func (a *Agent) handle(ctx context.Context, msg *protocol.Message) {
	switch msg.Action {
	case protocol.ActionSetCookie:
		sc, err := protocol.Unpack[protocol.SetCookie](msg)
		if err != nil {
			a.logger.Warn("bad setCookie", "error", err)
			return
		}
		a.mu.Lock()
		a.cookie = sc.Cookie
		a.mu.Unlock()
		a.logger.Info("=== REGISTERED ===")

	case protocol.ActionReregister:
		a.logger.Warn("server asked agent to re-register")
		a.mu.Lock()
		a.cookie = ""
		a.mu.Unlock()
		// The server already failed whatever this agent held.
		a.abandonCurrent()
		if err := a.ping(); err != nil {
			a.logger.Warn("failed to re-register", "error", err)
		}

	case protocol.ActionAssignWork:
		env, err := protocol.Unpack[work.Envelope](msg)
		if err != nil {
			a.logger.Warn("bad assignWork", "error", err)
			return
		}
		w, err := work.FromEnvelope(*env)
		if err != nil {
			a.logger.Warn("bad work envelope", "error", err)
			return
		}
		a.accept(ctx, w)

	case protocol.ActionCancelBuild:
		cb, err := protocol.Unpack[protocol.CancelBuild](msg)
		if err != nil {
			a.logger.Warn("bad cancelBuild", "error", err)
			return
		}
		a.cancel(cb.Job)

	default:
		a.logger.Debug("ignoring message", "action", msg.Action)
	}
}

func (a *Agent) accept(ctx context.Context, w work.Work) {
	switch w := w.(type) {
	case *work.BuildWork:
		a.start(ctx, w)
	case work.DenyWork:
		a.logger.Warn("server denied work", "reason", w.Reason)
	case work.NoWork:
	}
}

// runtimeInfo is what the agent says about itself on every ping and report.
func (a *Agent) runtimeInfo() protocol.AgentRuntimeInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	info := protocol.AgentRuntimeInfo{
		Identifier: protocol.AgentIdentifier{
			HostName:  a.cfg.Hostname,
			IPAddress: a.cfg.IPAddress,
			UUID:      a.cfg.UUID,
		},
		RuntimeStatus:   a.status,
		Location:        a.cfg.WorkDir,
		OperatingSystem: runtime.GOOS,
		Resources:       a.cfg.Resources,
		Environments:    a.cfg.Environments,
		Cookie:          a.cookie,
	}
	if a.current != nil {
		job := a.current.job
		info.BuildingJob = &job
	}
	return info
}

func (a *Agent) credentials() artifact.Credentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return artifact.Credentials{AgentUUID: a.cfg.UUID, Cookie: a.cookie}
}

func (a *Agent) ping() error {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	info := a.runtimeInfo()
	return a.send(protocol.Ping(&info))
}

func (a *Agent) send(msg *protocol.Message) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if a.stream == nil {
		return ErrNotConnected
	}
	if err := a.stream.Send(msg); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Action, err)
	}
	return nil
}
