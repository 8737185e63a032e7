// ABOUTME: Coordinator assigns pending jobs to idle agents and tracks them to a result.
// ABOUTME: Select-and-mark is one critical section; persistence happens after the lock is released.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/2389/gantry/internal/agent"
	"github.com/2389/gantry/internal/checksum"
	"github.com/2389/gantry/internal/dedupe"
	"github.com/2389/gantry/internal/events"
	"github.com/2389/gantry/internal/metrics"
	"github.com/2389/gantry/internal/protocol"
	"github.com/2389/gantry/internal/store"
	"github.com/2389/gantry/internal/work"
)

// ErrAgentLost is returned when a lost agent asks for work or reports.
var ErrAgentLost = agent.ErrAgentLost

// ErrDispatchRace is returned when a selected job could not be claimed in
// the store. The assignment has been discarded and the job requeued.
var ErrDispatchRace = errors.New("dispatch race")

// ReasonDisabled is the DenyWork reason sent to disabled agents.
const ReasonDisabled = "agent is disabled"

// ConsoleLog receives console output and tracks when a job last wrote any.
// Note writes a server line that does not count as activity.
type ConsoleLog interface {
	Append(buildID int64, lines []string, at time.Time) error
	Note(buildID int64, line string, at time.Time) error
	LastActivity(buildID int64) (time.Time, bool)
	Archive(buildID int64) error
}

// Config holds the coordinator's timeouts.
type Config struct {
	SilenceTimeout     time.Duration
	EvictionTimeout    time.Duration
	ConsoleWarnAfter   time.Duration
	ConsoleCancelAfter time.Duration
	// ReportWindow is how long duplicate agent reports are suppressed.
	ReportWindow time.Duration
}

// DefaultConfig returns the timeouts used when none are configured.
func DefaultConfig() Config {
	return Config{
		SilenceTimeout:     time.Minute,
		EvictionTimeout:    24 * time.Hour,
		ConsoleWarnAfter:   30 * time.Minute,
		ConsoleCancelAfter: time.Hour,
		ReportWindow:       5 * time.Minute,
	}
}

// Options are the coordinator's collaborators. Registry and Store are
// required; the rest may be nil.
type Options struct {
	Registry *agent.Registry
	Store    store.Store
	Events   events.Publisher
	Console  ConsoleLog
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    func() time.Time

	// Verdict is consulted when an agent reports Passed. A non-nil error
	// fails the job and is written to its console.
	Verdict func(buildID int64) error
	// OnFinish runs once after a job's terminal result is stored.
	OnFinish func(ctx context.Context, job work.JobIdentifier, result work.Result)
}

// Coordinator owns the pending queue and drives jobs to a terminal result.
type Coordinator struct {
	mu      sync.Mutex
	pending queue
	// assigning holds jobs selected but not yet claimed in the store; the
	// value is true once a cancel arrived for the job in that window.
	assigning map[int64]bool
	// started is when each in-flight job was handed out, for the console monitor.
	started map[int64]time.Time
	warned  map[int64]bool

	registry *agent.Registry
	store    store.Store
	events   events.Publisher
	console  ConsoleLog
	metrics  *metrics.Metrics
	reports  *dedupe.Window
	verdict  func(buildID int64) error
	onFinish func(ctx context.Context, job work.JobIdentifier, result work.Result)
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Coordinator. Call Restore before serving agents.
func New(cfg Config, opts Options) *Coordinator {
	def := DefaultConfig()
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = def.SilenceTimeout
	}
	if cfg.EvictionTimeout <= 0 {
		cfg.EvictionTimeout = def.EvictionTimeout
	}
	if cfg.ReportWindow <= 0 {
		cfg.ReportWindow = def.ReportWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		assigning: make(map[int64]bool),
		started:   make(map[int64]time.Time),
		warned:    make(map[int64]bool),
		registry:  opts.Registry,
		store:     opts.Store,
		events:    opts.Events,
		console:   opts.Console,
		metrics:   opts.Metrics,
		reports:   dedupe.New(cfg.ReportWindow, 10000),
		verdict:   opts.Verdict,
		onFinish:  opts.OnFinish,
		cfg:       cfg,
		now:       clock,
		logger:    logger.With("component", "dispatch"),
	}
}

// Close releases background resources.
func (c *Coordinator) Close() {
	c.reports.Close()
}

// Registry returns the agent registry the coordinator drives.
func (c *Coordinator) Registry() *agent.Registry { return c.registry }

// Restore loads persisted agents and jobs after a restart. Agents come back
// LostContact. Jobs they were running stay attached to them so a
// re-registration or the orphan sweep can finalize them. Scheduled jobs are
// queued again.
func (c *Coordinator) Restore(ctx context.Context) error {
	records, err := c.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}
	for _, r := range records {
		c.registry.Restore(agent.Agent{
			UUID: r.UUID,
			Info: protocol.AgentRuntimeInfo{
				Identifier:   protocol.AgentIdentifier{HostName: r.HostName, IPAddress: r.IPAddress, UUID: r.UUID},
				Location:     r.Location,
				Resources:    r.Resources,
				Environments: r.Environments,
			},
			Enabled:      r.Enabled,
			RegisteredAt: r.RegisteredAt,
			LastHeard:    r.LastHeard,
		})
	}

	inflight, err := c.store.ListJobs(ctx,
		work.JobStateAssigned, work.JobStatePreparing, work.JobStateBuilding, work.JobStateCompleting)
	if err != nil {
		return fmt.Errorf("loading in-flight jobs: %w", err)
	}
	for _, j := range inflight {
		id := j.Identifier()
		err := c.registry.Update(j.AgentUUID, func(a *agent.Agent) error {
			a.State = agent.State{Status: protocol.StatusLostContact, Job: id}
			return nil
		})
		if err != nil {
			c.logger.Warn("in-flight job has no known agent", "job", id.String(), "agent_uuid", j.AgentUUID)
			c.finish(ctx, id, resultFor(j.CancelRequested), "agent unknown after restart")
		}
	}

	scheduled, err := c.store.ListJobs(ctx, work.JobStateScheduled)
	if err != nil {
		return fmt.Errorf("loading scheduled jobs: %w", err)
	}
	requeued := 0
	for _, j := range scheduled {
		if j.CancelRequested {
			c.finish(ctx, j.Identifier(), work.ResultCancelled, "cancelled before dispatch")
			continue
		}
		c.mu.Lock()
		c.pending.push(j)
		c.mu.Unlock()
		requeued++
	}
	c.updatePending()

	c.logger.Info("dispatch state restored",
		"agents", len(records),
		"in_flight", len(inflight),
		"pending", requeued,
	)
	return nil
}

// Enqueue persists a new job and makes it available to agents.
func (c *Coordinator) Enqueue(ctx context.Context, plan work.JobPlan, cause work.BuildCause) (*store.Job, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	job := &store.Job{
		Plan:        plan.Clone(),
		Cause:       cause.Clone(),
		State:       work.JobStateScheduled,
		Result:      work.ResultUnknown,
		ScheduledAt: c.now(),
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	job.Plan.Identifier.BuildID = job.BuildID

	c.mu.Lock()
	c.pending.push(job)
	c.mu.Unlock()
	c.updatePending()
	c.metrics.JobScheduled()

	id := job.Identifier()
	c.logger.Info("job scheduled",
		"job", id.String(),
		"build_id", job.BuildID,
		"priority", plan.Priority,
		"resources", plan.Resources,
	)
	ev := events.NewEvent(events.JobScheduled, job.ScheduledAt)
	ev.Job = id
	ev.State = string(work.JobStateScheduled)
	c.emit(ctx, ev)
	return job, nil
}

// Pending returns the queued jobs in dispatch order.
func (c *Coordinator) Pending() []*store.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.snapshot()
}

// Register records a fresh registration. If the agent held a job before it
// re-registered, that job can no longer finish and is failed.
func (c *Coordinator) Register(ctx context.Context, info protocol.AgentRuntimeInfo, cookie string) (agent.Agent, error) {
	now := c.now()
	a, prev, err := c.registry.Register(info, cookie, now)
	if err != nil {
		return agent.Agent{}, err
	}
	if job, ok := prev.HeldJob(); ok {
		c.logger.Warn("agent re-registered while holding a job",
			"agent_uuid", a.UUID,
			"job", job.String(),
			"previous_state", prev.String(),
		)
		c.finish(ctx, job, resultFor(prev.Status == protocol.StatusCancelled), "agent re-registered")
	}
	c.saveAgent(ctx, a)

	ev := events.NewEvent(events.AgentRegistered, now)
	ev.AgentUUID = a.UUID
	ev.State = a.State.String()
	c.emit(ctx, ev)
	c.updateAgentStates()
	return a, nil
}

// Heard records a heartbeat from a registered agent.
func (c *Coordinator) Heard(info protocol.AgentRuntimeInfo) error {
	return c.registry.Heard(info, c.now())
}

// SetEnabled enables or disables an agent and persists the flag.
func (c *Coordinator) SetEnabled(ctx context.Context, agentUUID string, enabled bool) error {
	if err := c.registry.SetEnabled(agentUUID, enabled); err != nil {
		return err
	}
	if a, ok := c.registry.Lookup(agentUUID); ok {
		c.saveAgent(ctx, a)
	}
	c.logger.Info("agent enabled flag changed", "agent_uuid", agentUUID, "enabled", enabled)
	return nil
}

// NextAssignmentFor picks work for an agent. Disabled agents get DenyWork;
// busy agents and agents with no eligible job get NoWork.
func (c *Coordinator) NextAssignmentFor(ctx context.Context, agentUUID string) (work.Work, error) {
	var (
		picked *pendingJob
		result work.Work = work.NoWork{}
	)

	c.mu.Lock()
	err := c.registry.Update(agentUUID, func(a *agent.Agent) error {
		switch {
		case a.State.Status == protocol.StatusLostContact:
			return ErrAgentLost
		case !a.Enabled:
			result = work.DenyWork{Reason: ReasonDisabled}
			return nil
		case !a.State.IsIdle():
			return nil
		}
		picked = c.pending.takeFirst(func(plan work.JobPlan) bool { return a.CanRun(plan) })
		if picked == nil {
			return nil
		}
		next, err := a.State.Assign(picked.id())
		if err != nil {
			c.pending.restore(picked)
			picked = nil
			return err
		}
		a.State = next
		return nil
	})
	if picked != nil {
		c.assigning[picked.job.BuildID] = false
	}
	c.mu.Unlock()

	if err != nil {
		return work.NoWork{}, err
	}
	if picked == nil {
		return result, nil
	}
	c.updatePending()
	return c.claim(ctx, agentUUID, picked)
}

// claim persists a selection made by NextAssignmentFor.
func (c *Coordinator) claim(ctx context.Context, agentUUID string, p *pendingJob) (work.Work, error) {
	id := p.id()
	plan := p.job.Plan.Clone()
	plan.Identifier = id

	now := c.now()
	claimErr := c.store.ClaimJob(ctx, id.BuildID, agentUUID, now)

	c.mu.Lock()
	cancelled := c.assigning[id.BuildID]
	delete(c.assigning, id.BuildID)
	if claimErr == nil && !cancelled {
		c.started[id.BuildID] = now
	}
	c.mu.Unlock()

	if claimErr != nil {
		c.metrics.DispatchRace()
		c.revert(agentUUID, id)
		c.logger.Warn("dispatch race, assignment discarded",
			"agent_uuid", agentUUID,
			"job", id.String(),
			"error", claimErr,
		)
		c.requeueOrFinish(ctx, p, cancelled)
		c.updatePending()
		return work.NoWork{}, fmt.Errorf("%w: %s: %w", ErrDispatchRace, id, claimErr)
	}

	if cancelled {
		c.revert(agentUUID, id)
		c.finish(ctx, id, work.ResultCancelled, "cancelled while being assigned")
		return work.NoWork{}, nil
	}

	assignment, err := work.NewAssignment(plan, p.job.Cause, workingDirFor(id))
	if err != nil {
		c.revert(agentUUID, id)
		c.finish(ctx, id, work.ResultFailed, "invalid plan")
		return work.NoWork{}, fmt.Errorf("building assignment for %s: %w", id, err)
	}

	c.metrics.JobAssigned()
	c.logger.Info("=== JOB ASSIGNED ===",
		"agent_uuid", agentUUID,
		"job", id.String(),
		"build_id", id.BuildID,
	)
	ev := events.NewEvent(events.JobAssigned, now)
	ev.AgentUUID = agentUUID
	ev.Job = id
	ev.State = string(work.JobStateAssigned)
	c.emit(ctx, ev)
	c.updateAgentStates()
	return work.NewBuildWork(assignment), nil
}

// revert returns an agent to Idle if it still holds job.
func (c *Coordinator) revert(agentUUID string, job work.JobIdentifier) {
	_ = c.registry.Update(agentUUID, func(a *agent.Agent) error {
		if a.State.Holds(job) {
			a.State = agent.Idle()
		}
		return nil
	})
}

// requeueOrFinish puts a job back in the queue after a failed claim unless
// it was cancelled or has moved on in the store.
func (c *Coordinator) requeueOrFinish(ctx context.Context, p *pendingJob, cancelled bool) {
	id := p.id()
	stored, err := c.store.GetJob(ctx, id.BuildID)
	if err != nil {
		c.logger.Error("failed to reload job after race", "job", id.String(), "error", err)
		return
	}
	switch {
	case stored.State == work.JobStateCompleted:
		return
	case cancelled || stored.CancelRequested:
		c.finish(ctx, id, work.ResultCancelled, "cancelled before dispatch")
	case stored.State == work.JobStateScheduled:
		c.mu.Lock()
		c.pending.restore(p)
		c.mu.Unlock()
	}
}

// Cancel stops a job wherever it is. A pending job is dropped from the queue
// and completed Cancelled. An in-flight job moves its agent to Cancelled and
// the agent is sent cancelBuild. Cancelling twice is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, job work.JobIdentifier) error {
	c.mu.Lock()
	if p := c.pending.remove(job.BuildID); p != nil {
		c.mu.Unlock()
		c.updatePending()
		if err := c.store.RequestCancel(ctx, job.BuildID); err != nil {
			return fmt.Errorf("requesting cancel: %w", err)
		}
		c.finish(ctx, p.id(), work.ResultCancelled, "cancelled before dispatch")
		return nil
	}
	if _, ok := c.assigning[job.BuildID]; ok {
		c.assigning[job.BuildID] = true
		c.mu.Unlock()
		if err := c.store.RequestCancel(ctx, job.BuildID); err != nil {
			return fmt.Errorf("requesting cancel: %w", err)
		}
		return nil
	}

	holder := ""
	changed := false
	for _, a := range c.registry.Snapshot() {
		if !a.State.Holds(job) {
			continue
		}
		holder = a.UUID
		_ = c.registry.Update(a.UUID, func(live *agent.Agent) error {
			next, ok := live.State.Cancel(job)
			if ok {
				live.State = next
				changed = true
			}
			return nil
		})
		break
	}
	c.mu.Unlock()

	if holder == "" {
		stored, err := c.store.GetJob(ctx, job.BuildID)
		if err != nil {
			return err
		}
		if stored.State == work.JobStateCompleted {
			return nil
		}
		// Held by a lost agent or not yet picked up; the sweep finishes it.
		return c.store.RequestCancel(ctx, job.BuildID)
	}
	if !changed {
		c.logger.Debug("duplicate cancel ignored", "job", job.String(), "agent_uuid", holder)
		return nil
	}

	if err := c.store.RequestCancel(ctx, job.BuildID); err != nil {
		c.logger.Error("failed to persist cancel request", "job", job.String(), "error", err)
	}
	c.logger.Info("=== JOB CANCELLING ===", "job", job.String(), "agent_uuid", holder)

	ev := events.NewEvent(events.AgentStateChange, c.now())
	ev.AgentUUID = holder
	ev.Job = job
	ev.State = string(protocol.StatusCancelled)
	c.emit(ctx, ev)

	if conn, ok := c.registry.Sender(holder); ok {
		msg, err := protocol.NewMessage(protocol.ActionCancelBuild, &protocol.CancelBuild{Job: job})
		if err == nil {
			err = conn.Send(msg)
		}
		if err != nil {
			c.logger.Warn("failed to send cancelBuild", "agent_uuid", holder, "job", job.String(), "error", err)
		}
	} else {
		c.logger.Warn("agent not connected, cancel will be delivered on sweep", "agent_uuid", holder, "job", job.String())
	}
	return nil
}

// ReportStatus records a progress report from the agent running job.
func (c *Coordinator) ReportStatus(ctx context.Context, agentUUID string, job work.JobIdentifier, state work.JobState) error {
	if c.reports.Observe(dedupe.Key(agentUUID, job.String(), string(state))) {
		return nil
	}
	if err := c.checkHolds(agentUUID, job); err != nil {
		return err
	}
	if err := c.store.UpdateJobState(ctx, job.BuildID, state); err != nil && !errors.Is(err, store.ErrAlreadyCompleted) {
		return fmt.Errorf("updating job state: %w", err)
	}
	ev := events.NewEvent(events.JobStateChange, c.now())
	ev.AgentUUID = agentUUID
	ev.Job = job
	ev.State = string(state)
	c.emit(ctx, ev)
	return nil
}

// Completing records that the agent is publishing artifacts and stores the
// checksum record it computed.
func (c *Coordinator) Completing(ctx context.Context, agentUUID string, job work.JobIdentifier, record *checksum.Record) error {
	if err := c.ReportStatus(ctx, agentUUID, job, work.JobStateCompleting); err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	if err := c.store.SaveChecksums(ctx, job.BuildID, record); err != nil {
		return fmt.Errorf("saving checksums: %w", err)
	}
	return nil
}

// Complete records the agent's final result and returns it to Idle. A job
// the server cancelled completes Cancelled whatever the agent reports.
// Duplicate reports are ignored.
func (c *Coordinator) Complete(ctx context.Context, agentUUID string, job work.JobIdentifier, result work.Result) error {
	if c.reports.Observe(dedupe.Key(agentUUID, job.String(), "completed")) {
		return nil
	}
	wasCancelled := false
	err := c.registry.Update(agentUUID, func(a *agent.Agent) error {
		if a.State.Status == protocol.StatusLostContact {
			return ErrAgentLost
		}
		wasCancelled = a.State.Status == protocol.StatusCancelled
		next, err := a.State.Complete(job)
		if err != nil {
			return err
		}
		a.State = next
		return nil
	})
	if err != nil {
		c.reports.Forget(dedupe.Key(agentUUID, job.String(), "completed"))
		if errors.Is(err, agent.ErrProtocolViolation) {
			c.metrics.ProtocolViolation("complete")
		}
		return err
	}

	reason := ""
	switch {
	case wasCancelled:
		result = work.ResultCancelled
	case !result.IsTerminal():
		result = work.ResultFailed
	case result == work.ResultPassed && c.verdict != nil:
		if err := c.verdict(job.BuildID); err != nil {
			c.logger.Warn("agent reported passed, failing job", "agent_uuid", agentUUID, "job", job.String(), "error", err)
			result = work.ResultFailed
			reason = err.Error()
		}
	}
	c.finish(ctx, job, result, reason)

	ev := events.NewEvent(events.AgentStateChange, c.now())
	ev.AgentUUID = agentUUID
	ev.State = string(protocol.StatusIdle)
	c.emit(ctx, ev)
	c.updateAgentStates()
	return nil
}

// Abandon releases a job the agent says it is not running, which happens
// when an assignment was lost along with its connection. The agent returns
// to Idle. A job that never started goes back to the queue; one that
// started or was cancelled completes Failed or Cancelled. It returns false
// if the agent does not hold job.
func (c *Coordinator) Abandon(ctx context.Context, agentUUID string, job work.JobIdentifier) bool {
	held, cancelled := false, false
	c.mu.Lock()
	_ = c.registry.Update(agentUUID, func(a *agent.Agent) error {
		if !a.State.Holds(job) {
			return nil
		}
		held = true
		cancelled = a.State.Status == protocol.StatusCancelled
		a.State = agent.Idle()
		return nil
	})
	if held {
		delete(c.started, job.BuildID)
		delete(c.warned, job.BuildID)
	}
	c.mu.Unlock()
	if !held {
		return false
	}

	reason := fmt.Sprintf("agent %s is idle but was holding the job", agentUUID)
	c.logger.Warn("=== JOB ABANDONED ===", "agent_uuid", agentUUID, "job", job.String())

	stored, err := c.store.GetJob(ctx, job.BuildID)
	switch {
	case err != nil:
		c.logger.Error("failed to reload abandoned job", "job", job.String(), "error", err)
		c.finish(ctx, job, resultFor(cancelled), reason)
	case stored.State == work.JobStateCompleted:
	case cancelled || stored.CancelRequested:
		c.finish(ctx, job, work.ResultCancelled, reason)
	case stored.State == work.JobStateAssigned:
		c.requeue(ctx, stored, reason)
	default:
		c.finish(ctx, job, work.ResultFailed, reason)
	}

	ev := events.NewEvent(events.AgentStateChange, c.now())
	ev.AgentUUID = agentUUID
	ev.State = string(protocol.StatusIdle)
	c.emit(ctx, ev)
	c.updateAgentStates()
	return true
}

// requeue puts a claimed job that never started back in the queue.
func (c *Coordinator) requeue(ctx context.Context, j *store.Job, reason string) {
	id := j.Identifier()
	if err := c.store.RequeueJob(ctx, j.BuildID); err != nil {
		if !errors.Is(err, store.ErrAlreadyCompleted) {
			c.logger.Error("failed to requeue job", "job", id.String(), "error", err)
			c.finish(ctx, id, work.ResultFailed, reason)
		}
		return
	}
	j.State = work.JobStateScheduled
	j.AgentUUID = ""
	j.AssignedAt = nil

	c.mu.Lock()
	c.pending.push(j)
	c.mu.Unlock()
	c.updatePending()

	now := c.now()
	c.consoleNote(id, reason+", rescheduled", now)
	c.logger.Info("job rescheduled", "job", id.String(), "build_id", j.BuildID)
	ev := events.NewEvent(events.JobScheduled, now)
	ev.Job = id
	ev.State = string(work.JobStateScheduled)
	ev.Message = reason
	c.emit(ctx, ev)
}

// ConsoleOut appends console lines for a job the agent holds.
func (c *Coordinator) ConsoleOut(ctx context.Context, agentUUID string, out *protocol.ConsoleOut) error {
	if err := c.checkHolds(agentUUID, out.Job); err != nil {
		return err
	}
	if c.console == nil || len(out.Lines) == 0 {
		return nil
	}
	return c.console.Append(out.Job.BuildID, out.Lines, c.now())
}

func (c *Coordinator) checkHolds(agentUUID string, job work.JobIdentifier) error {
	a, ok := c.registry.Lookup(agentUUID)
	if !ok {
		return agent.ErrAgentNotFound
	}
	if a.State.Status == protocol.StatusLostContact {
		return ErrAgentLost
	}
	if !a.State.Holds(job) {
		c.metrics.ProtocolViolation("report")
		return fmt.Errorf("%w: report for %s while %s", agent.ErrProtocolViolation, job, a.State)
	}
	return nil
}

// finish records a terminal result once and cleans up per-job tracking.
func (c *Coordinator) finish(ctx context.Context, job work.JobIdentifier, result work.Result, reason string) {
	c.mu.Lock()
	delete(c.started, job.BuildID)
	delete(c.warned, job.BuildID)
	c.mu.Unlock()

	now := c.now()
	if reason != "" {
		c.consoleNote(job, reason, now)
	}
	err := c.store.CompleteJob(ctx, job.BuildID, result, now)
	if errors.Is(err, store.ErrAlreadyCompleted) {
		return
	}
	if err != nil {
		c.logger.Error("failed to complete job", "job", job.String(), "result", result, "error", err)
		return
	}
	if c.console != nil {
		if err := c.console.Archive(job.BuildID); err != nil {
			c.logger.Warn("failed to archive console log", "job", job.String(), "error", err)
		}
	}
	c.metrics.JobCompleted(string(result))

	c.logger.Info("=== JOB COMPLETED ===", "job", job.String(), "result", result, "reason", reason)
	ev := events.NewEvent(events.JobCompleted, now)
	ev.Job = job
	ev.State = string(work.JobStateCompleted)
	ev.Result = result
	ev.Message = reason
	c.emit(ctx, ev)

	if c.onFinish != nil {
		c.onFinish(ctx, job, result)
	}
}

func (c *Coordinator) emit(ctx context.Context, ev *events.Event) {
	if err := c.store.SaveEvent(ctx, ev); err != nil {
		c.logger.Warn("failed to save event", "type", ev.Type, "error", err)
	}
	if c.events != nil {
		c.events.Publish(ev)
	}
}

func (c *Coordinator) saveAgent(ctx context.Context, a agent.Agent) {
	err := c.store.SaveAgent(ctx, &store.AgentRecord{
		UUID:         a.UUID,
		HostName:     a.Info.Identifier.HostName,
		IPAddress:    a.Info.Identifier.IPAddress,
		Location:     a.Info.Location,
		Resources:    a.Info.Resources,
		Environments: a.Info.Environments,
		Enabled:      a.Enabled,
		RegisteredAt: a.RegisteredAt,
		LastHeard:    a.LastHeard,
	})
	if err != nil {
		c.logger.Error("failed to save agent", "agent_uuid", a.UUID, "error", err)
	}
}

func (c *Coordinator) updatePending() {
	if c.metrics == nil {
		return
	}
	c.mu.Lock()
	n := c.pending.Len()
	c.mu.Unlock()
	c.metrics.SetPending(n)
}

func (c *Coordinator) updateAgentStates() {
	if c.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, a := range c.registry.Snapshot() {
		counts[string(a.State.Status)]++
	}
	c.metrics.SetAgentStates(counts)
}

func resultFor(cancelRequested bool) work.Result {
	if cancelRequested {
		return work.ResultCancelled
	}
	return work.ResultFailed
}

// workingDirFor is the job's directory relative to the agent's work root.
func workingDirFor(job work.JobIdentifier) string {
	return path.Join("pipelines", job.PipelineName)
}
