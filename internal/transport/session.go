// ABOUTME: Per-connection session loop: cookie handshake, heartbeats, reports and assignment delivery.
// ABOUTME: One goroutine per agent; the session ends on read error and only detaches the agent.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/2389/gantry/internal/agent"
	"github.com/2389/gantry/internal/checksum"
	"github.com/2389/gantry/internal/dispatch"
	"github.com/2389/gantry/internal/metrics"
	"github.com/2389/gantry/internal/protocol"
	"github.com/2389/gantry/internal/work"
)

// Coordinator is the part of the dispatch coordinator a session drives.
type Coordinator interface {
	Register(ctx context.Context, info protocol.AgentRuntimeInfo, cookie string) (agent.Agent, error)
	Heard(info protocol.AgentRuntimeInfo) error
	NextAssignmentFor(ctx context.Context, agentUUID string) (work.Work, error)
	ReportStatus(ctx context.Context, agentUUID string, job work.JobIdentifier, state work.JobState) error
	Completing(ctx context.Context, agentUUID string, job work.JobIdentifier, record *checksum.Record) error
	Complete(ctx context.Context, agentUUID string, job work.JobIdentifier, result work.Result) error
	Abandon(ctx context.Context, agentUUID string, job work.JobIdentifier) bool
	ConsoleOut(ctx context.Context, agentUUID string, out *protocol.ConsoleOut) error
	Registry() *agent.Registry
}

// Cookies issues and checks agent cookies.
type Cookies interface {
	Issue(agentUUID string) (string, error)
	Verify(cookie, agentUUID string) error
}

// Handler creates sessions for incoming agent streams.
type Handler struct {
	coord   Coordinator
	cookies Cookies
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHandler creates a Handler. metrics may be nil.
func NewHandler(coord Coordinator, cookies Cookies, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		coord:   coord,
		cookies: cookies,
		metrics: m,
		logger:  logger.With("component", "transport"),
	}
}

// Serve runs a session on stream until it ends.
func (h *Handler) Serve(ctx context.Context, stream Stream, transport string) error {
	logger := h.logger.With("transport", transport)
	if addr := PeerFromContext(ctx); addr != "" {
		logger = logger.With("peer_addr", addr)
	}
	s := &Session{
		handler:   h,
		stream:    stream,
		transport: transport,
		logger:    logger,
	}
	return s.Run(ctx)
}

// Session is one agent connection.
type Session struct {
	handler   *Handler
	stream    Stream
	transport string
	logger    *slog.Logger

	agentUUID string
	conn      *agent.Connection
	// denied is the last DenyWork reason sent, so it is sent once.
	denied string
	// delivered is the last job sent on this session. The agent may still
	// ping Idle before it reads the assignment.
	delivered work.JobIdentifier
}

// Run reads messages until the stream fails or ctx is done. A clean EOF
// returns nil.
func (s *Session) Run(ctx context.Context) error {
	defer s.release()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedMessage) {
				s.handler.metrics.MalformedMessage(s.transport)
				s.logger.Warn("dropping malformed message", "agent_uuid", s.agentUUID, "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				s.logger.Info("agent disconnected (EOF)", "agent_uuid", s.agentUUID)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Info("agent stream ended", "agent_uuid", s.agentUUID, "error", err)
			return err
		}

		if err := s.handle(ctx, msg); err != nil {
			return err
		}
	}
}

// handle dispatches one message. Only send failures are returned; protocol
// problems are logged and counted.
func (s *Session) handle(ctx context.Context, msg *protocol.Message) error {
	switch msg.Action {
	case protocol.ActionPing:
		if msg.Data == nil {
			return s.heartbeat()
		}
		info, err := protocol.Unpack[protocol.AgentRuntimeInfo](msg)
		if err != nil {
			return s.violation("bad_payload", err)
		}
		return s.handshake(ctx, *info)

	case protocol.ActionReportCurrentStatus, protocol.ActionReportCompleting, protocol.ActionReportCompleted:
		report, err := protocol.Unpack[protocol.Report](msg)
		if err != nil {
			return s.violation("bad_payload", err)
		}
		return s.report(ctx, msg.Action, report)

	case protocol.ActionConsoleOut:
		out, err := protocol.Unpack[protocol.ConsoleOut](msg)
		if err != nil {
			return s.violation("bad_payload", err)
		}
		if s.agentUUID == "" {
			return s.violation("unregistered", fmt.Errorf("consoleOut before registration"))
		}
		if err := s.handler.coord.ConsoleOut(ctx, s.agentUUID, out); err != nil {
			s.logger.Warn("console output rejected", "agent_uuid", s.agentUUID, "job", out.Job.String(), "error", err)
		}
		return nil

	case protocol.ActionUnknown:
		s.handler.metrics.UnknownAction()
		s.logger.Warn("received unknown action", "agent_uuid", s.agentUUID)
		return nil

	default:
		return s.violation("server_action", fmt.Errorf("agent sent %s", msg.Action))
	}
}

// heartbeat handles a bare ping. It only refreshes the silence timer of an
// agent this session has already registered.
func (s *Session) heartbeat() error {
	if s.agentUUID == "" {
		return nil
	}
	a, ok := s.handler.coord.Registry().Lookup(s.agentUUID)
	if !ok {
		return nil
	}
	info := a.Info
	if err := s.handler.coord.Heard(info); err != nil {
		return s.reregister(err)
	}
	return nil
}

func (s *Session) handshake(ctx context.Context, info protocol.AgentRuntimeInfo) error {
	id := info.Identifier.UUID
	if id == "" {
		return s.violation("missing_uuid", fmt.Errorf("ping without agent uuid"))
	}

	if info.Cookie == "" {
		return s.register(ctx, info)
	}

	if err := s.handler.cookies.Verify(info.Cookie, id); err != nil {
		s.logger.Info("cookie rejected", "agent_uuid", id, "error", err)
		return s.reregister(err)
	}
	if err := s.handler.coord.Heard(info); err != nil {
		return s.reregister(err)
	}
	if err := s.bind(id); err != nil {
		return s.reregister(err)
	}
	if info.RuntimeStatus == protocol.StatusIdle || info.RuntimeStatus == "" {
		s.releaseAbandoned(ctx, info)
		return s.offerWork(ctx)
	}
	return nil
}

// releaseAbandoned frees a job the server has the agent holding when the
// agent reports Idle with no build. That happens when an assignment was
// lost with an earlier connection.
func (s *Session) releaseAbandoned(ctx context.Context, info protocol.AgentRuntimeInfo) {
	if info.BuildingJob != nil {
		return
	}
	a, ok := s.handler.coord.Registry().Lookup(s.agentUUID)
	if !ok || a.State.IsIdle() || a.State.Status == protocol.StatusLostContact {
		return
	}
	job, held := a.State.HeldJob()
	if !held || job == s.delivered {
		return
	}
	if s.handler.coord.Abandon(ctx, s.agentUUID, job) {
		s.logger.Warn("agent is idle while holding a job, released it",
			"agent_uuid", s.agentUUID,
			"job", job.String(),
			"previous_state", a.State.String(),
		)
	}
}

func (s *Session) register(ctx context.Context, info protocol.AgentRuntimeInfo) error {
	id := info.Identifier.UUID
	cookie, err := s.handler.cookies.Issue(id)
	if err != nil {
		s.logger.Error("failed to issue cookie", "agent_uuid", id, "error", err)
		return nil
	}
	if _, err := s.handler.coord.Register(ctx, info, cookie); err != nil {
		s.logger.Warn("registration refused", "agent_uuid", id, "error", err)
		return s.reregister(err)
	}
	if err := s.bind(id); err != nil {
		return s.reregister(err)
	}
	s.denied = ""

	msg, err := protocol.NewMessage(protocol.ActionSetCookie, &protocol.SetCookie{Cookie: cookie})
	if err != nil {
		return err
	}
	if err := s.send(msg); err != nil {
		return err
	}
	return s.offerWork(ctx)
}

// bind attaches this session's connection to the agent.
func (s *Session) bind(id string) error {
	if s.agentUUID == id && s.conn != nil {
		return nil
	}
	s.release()
	conn := agent.NewConnection(id, s.stream, s.logger)
	if err := s.handler.coord.Registry().Attach(id, conn); err != nil {
		return err
	}
	s.agentUUID = id
	s.conn = conn
	s.logger.Info("agent connected", "agent_uuid", id, "connection_id", conn.ID)
	return nil
}

// offerWork asks the coordinator for work and delivers it. NoWork is not
// sent; DenyWork is sent once per reason.
func (s *Session) offerWork(ctx context.Context) error {
	w, err := s.handler.coord.NextAssignmentFor(ctx, s.agentUUID)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrAgentLost), errors.Is(err, agent.ErrAgentNotFound):
			return s.reregister(err)
		case errors.Is(err, dispatch.ErrDispatchRace):
			s.logger.Warn("assignment lost a race", "agent_uuid", s.agentUUID, "error", err)
		default:
			s.logger.Error("failed to pick work", "agent_uuid", s.agentUUID, "error", err)
		}
		return nil
	}

	switch w := w.(type) {
	case *work.BuildWork:
		s.denied = ""
		if err := s.sendWork(w); err != nil {
			return err
		}
		s.delivered = w.Assignment().JobIdentifier()
		return nil
	case work.DenyWork:
		if s.denied == w.Reason {
			return nil
		}
		s.denied = w.Reason
		s.logger.Info("denying work", "agent_uuid", s.agentUUID, "reason", w.Reason)
		return s.sendWork(w)
	default:
		s.denied = ""
		return nil
	}
}

func (s *Session) sendWork(w work.Work) error {
	env := work.ToEnvelope(w)
	msg, err := protocol.NewMessage(protocol.ActionAssignWork, &env)
	if err != nil {
		return err
	}
	if err := s.send(msg); err != nil {
		// The session ends here. The job is released when the agent next
		// pings Idle, or by the sweep if it never comes back.
		s.logger.Error("failed to deliver assignment", "agent_uuid", s.agentUUID, "error", err)
		return err
	}
	return nil
}

func (s *Session) report(ctx context.Context, action protocol.Action, r *protocol.Report) error {
	id := r.RuntimeInfo.Identifier.UUID
	if s.agentUUID == "" || id != s.agentUUID {
		return s.violation("unregistered", fmt.Errorf("%s from %q on session for %q", action, id, s.agentUUID))
	}
	if err := s.handler.cookies.Verify(r.RuntimeInfo.Cookie, id); err != nil {
		return s.reregister(err)
	}
	if err := s.handler.coord.Heard(r.RuntimeInfo); err != nil {
		return s.reregister(err)
	}

	coord := s.handler.coord
	var err error
	switch action {
	case protocol.ActionReportCurrentStatus:
		err = coord.ReportStatus(ctx, id, r.Job, r.JobState)
	case protocol.ActionReportCompleting:
		err = coord.Completing(ctx, id, r.Job, r.Checksums)
	case protocol.ActionReportCompleted:
		err = coord.Complete(ctx, id, r.Job, r.Result)
	}
	if err != nil {
		if errors.Is(err, dispatch.ErrAgentLost) {
			return s.reregister(err)
		}
		s.logger.Warn("report rejected", "agent_uuid", id, "action", action, "job", r.Job.String(), "error", err)
		return nil
	}
	if action == protocol.ActionReportCompleted {
		return s.offerWork(ctx)
	}
	return nil
}

// reregister tells the agent to drop its cookie and register again.
func (s *Session) reregister(cause error) error {
	s.logger.Info("asking agent to re-register", "agent_uuid", s.agentUUID, "cause", cause)
	s.release()
	return s.send(protocol.Reregister())
}

func (s *Session) violation(kind string, err error) error {
	s.handler.metrics.ProtocolViolation(kind)
	s.logger.Warn("protocol violation", "agent_uuid", s.agentUUID, "kind", kind, "error", err)
	return nil
}

// send writes through the agent connection once bound, so session replies
// and coordinator messages stay ordered.
func (s *Session) send(msg *protocol.Message) error {
	if s.conn != nil {
		return s.conn.Send(msg)
	}
	return s.stream.Send(msg)
}

// release detaches the connection. The agent stays registered.
func (s *Session) release() {
	if s.conn == nil {
		return
	}
	s.handler.coord.Registry().Detach(s.agentUUID, s.conn)
	s.conn = nil
	s.agentUUID = ""
}
