// ABOUTME: Periodic sweeps: silent agents become LostContact, their jobs fail, long-lost agents are evicted.
// ABOUTME: The console monitor warns about and then cancels jobs that stopped producing output.

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/gantry/internal/agent"
	"github.com/2389/gantry/internal/events"
	"github.com/2389/gantry/internal/protocol"
	"github.com/2389/gantry/internal/work"
)

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Lost     int
	Orphaned int
	Evicted  int
}

// Sweep converges agents that stopped talking. It is safe to call
// concurrently with assignment; every transition re-checks the live state.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) SweepResult {
	var res SweepResult
	for _, a := range c.registry.Snapshot() {
		silent := now.Sub(a.LastHeard)

		if a.State.Status != protocol.StatusLostContact && silent > c.cfg.SilenceTimeout {
			if c.markLost(ctx, a.UUID, now) {
				res.Lost++
			}
		}

		if c.finishOrphan(ctx, a.UUID) {
			res.Orphaned++
		}

		if silent > c.cfg.EvictionTimeout && c.evict(ctx, a.UUID, now) {
			res.Evicted++
		}
	}
	if res != (SweepResult{}) {
		c.logger.Info("sweep finished", "lost", res.Lost, "orphaned", res.Orphaned, "evicted", res.Evicted)
		c.updateAgentStates()
	}
	return res
}

func (c *Coordinator) markLost(ctx context.Context, agentUUID string, now time.Time) bool {
	var prev agent.State
	lost := false
	c.mu.Lock()
	_ = c.registry.Update(agentUUID, func(a *agent.Agent) error {
		if a.State.Status == protocol.StatusLostContact || now.Sub(a.LastHeard) <= c.cfg.SilenceTimeout {
			return nil
		}
		prev = a.State
		a.State = a.State.Lose()
		lost = true
		return nil
	})
	c.mu.Unlock()
	if !lost {
		return false
	}

	if conn, ok := c.registry.Sender(agentUUID); ok {
		c.registry.Detach(agentUUID, conn)
	}
	c.logger.Warn("=== AGENT LOST CONTACT ===",
		"agent_uuid", agentUUID,
		"previous_state", prev.String(),
		"silence_timeout", c.cfg.SilenceTimeout,
	)
	ev := events.NewEvent(events.AgentLost, now)
	ev.AgentUUID = agentUUID
	ev.State = string(protocol.StatusLostContact)
	if job, ok := prev.HeldJob(); ok {
		ev.Job = job
	}
	c.emit(ctx, ev)
	return true
}

// finishOrphan completes the job a lost agent still holds. The result is
// Cancelled if a cancel was requested, Failed otherwise.
func (c *Coordinator) finishOrphan(ctx context.Context, agentUUID string) bool {
	var job work.JobIdentifier
	c.mu.Lock()
	_ = c.registry.Update(agentUUID, func(a *agent.Agent) error {
		if a.State.Status != protocol.StatusLostContact {
			return nil
		}
		held, ok := a.State.HeldJob()
		if !ok {
			return nil
		}
		job = held
		a.State = agent.State{Status: protocol.StatusLostContact}
		return nil
	})
	c.mu.Unlock()
	if job.IsZero() {
		return false
	}

	cancelRequested := false
	if stored, err := c.store.GetJob(ctx, job.BuildID); err == nil {
		cancelRequested = stored.CancelRequested
	}
	c.finish(ctx, job, resultFor(cancelRequested), fmt.Sprintf("agent %s lost contact", agentUUID))
	return true
}

func (c *Coordinator) evict(ctx context.Context, agentUUID string, now time.Time) bool {
	a, ok := c.registry.Lookup(agentUUID)
	if !ok || a.State.Status != protocol.StatusLostContact || now.Sub(a.LastHeard) <= c.cfg.EvictionTimeout {
		return false
	}
	c.registry.Evict(agentUUID)
	if err := c.store.DeleteAgent(ctx, agentUUID); err != nil {
		c.logger.Warn("failed to delete evicted agent", "agent_uuid", agentUUID, "error", err)
	}
	ev := events.NewEvent(events.AgentEvicted, now)
	ev.AgentUUID = agentUUID
	c.emit(ctx, ev)
	return true
}

// MonitorConsole checks every building job for console inactivity. After
// ConsoleWarnAfter of silence the job gets one warning; after
// ConsoleCancelAfter it is cancelled. A zero duration disables that step.
func (c *Coordinator) MonitorConsole(ctx context.Context, now time.Time) {
	if c.cfg.ConsoleWarnAfter <= 0 && c.cfg.ConsoleCancelAfter <= 0 {
		return
	}
	for _, a := range c.registry.Snapshot() {
		if a.State.Status != protocol.StatusBuilding {
			continue
		}
		job := a.State.Job

		c.mu.Lock()
		last, tracked := c.started[job.BuildID]
		warned := c.warned[job.BuildID]
		c.mu.Unlock()
		if !tracked {
			continue
		}
		if c.console != nil {
			if at, ok := c.console.LastActivity(job.BuildID); ok && at.After(last) {
				last = at
			}
		}
		silent := now.Sub(last)

		switch {
		case c.cfg.ConsoleCancelAfter > 0 && silent >= c.cfg.ConsoleCancelAfter:
			note := fmt.Sprintf("no console activity for %s, cancelling job", silent.Round(time.Second))
			c.consoleNote(job, note, now)
			c.logger.Warn("cancelling inactive job", "job", job.String(), "agent_uuid", a.UUID, "silent_for", silent)
			if err := c.Cancel(ctx, job); err != nil {
				c.logger.Error("failed to cancel inactive job", "job", job.String(), "error", err)
			}
		case c.cfg.ConsoleWarnAfter > 0 && silent >= c.cfg.ConsoleWarnAfter && !warned:
			c.mu.Lock()
			c.warned[job.BuildID] = true
			c.mu.Unlock()
			note := fmt.Sprintf("no console activity for %s", silent.Round(time.Second))
			c.consoleNote(job, note, now)
			c.metrics.ConsoleWarning()
			c.logger.Warn("job console inactive", "job", job.String(), "agent_uuid", a.UUID, "silent_for", silent)
			ev := events.NewEvent(events.JobConsoleWarn, now)
			ev.AgentUUID = a.UUID
			ev.Job = job
			ev.Message = note
			c.emit(ctx, ev)
		}
	}
}

// consoleNote writes a server line into the job console without counting
// it as activity.
func (c *Coordinator) consoleNote(job work.JobIdentifier, note string, now time.Time) {
	if c.console == nil {
		return
	}
	if err := c.console.Note(job.BuildID, "[gantry] "+note, now); err != nil {
		c.logger.Warn("failed to write console note", "job", job.String(), "error", err)
	}
}
