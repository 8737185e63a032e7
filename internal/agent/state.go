// ABOUTME: Agent runtime state machine: Idle, Building(job), Cancelled, LostContact.
// ABOUTME: Transitions are pure value methods; illegal ones return ErrProtocolViolation.

package agent

import (
	"errors"
	"fmt"

	"github.com/2389/gantry/internal/protocol"
	"github.com/2389/gantry/internal/work"
)

// ErrProtocolViolation is returned for a transition the protocol forbids,
// such as assigning work to an agent that is not idle.
var ErrProtocolViolation = errors.New("protocol violation")

// State is an agent's runtime state. Job is set while Building or Cancelled,
// and is kept on LostContact so the orphaned job can be finalized.
type State struct {
	Status protocol.RuntimeStatus
	Job    work.JobIdentifier
}

// Idle is the state of a freshly registered agent.
func Idle() State {
	return State{Status: protocol.StatusIdle}
}

func (s State) String() string {
	switch s.Status {
	case protocol.StatusBuilding, protocol.StatusCancelled:
		return fmt.Sprintf("%s(%s)", s.Status, s.Job)
	default:
		return string(s.Status)
	}
}

// IsIdle reports whether the agent can take work.
func (s State) IsIdle() bool { return s.Status == protocol.StatusIdle }

// Holds reports whether the agent currently holds job.
func (s State) Holds(job work.JobIdentifier) bool {
	return (s.Status == protocol.StatusBuilding || s.Status == protocol.StatusCancelled) && s.Job == job
}

// HeldJob returns the job the agent holds or last held before it was lost.
func (s State) HeldJob() (work.JobIdentifier, bool) {
	if s.Job.IsZero() {
		return work.JobIdentifier{}, false
	}
	return s.Job, true
}

// Assign moves Idle to Building(job).
func (s State) Assign(job work.JobIdentifier) (State, error) {
	if s.Status != protocol.StatusIdle {
		return s, fmt.Errorf("%w: assign %s while %s", ErrProtocolViolation, job, s)
	}
	return State{Status: protocol.StatusBuilding, Job: job}, nil
}

// Cancel moves Building(job) to Cancelled. It reports false and leaves the
// state alone for a stale job or a duplicate cancel.
func (s State) Cancel(job work.JobIdentifier) (State, bool) {
	if s.Status != protocol.StatusBuilding || s.Job != job {
		return s, false
	}
	return State{Status: protocol.StatusCancelled, Job: job}, true
}

// Complete moves Building(job) or Cancelled(job) to Idle.
func (s State) Complete(job work.JobIdentifier) (State, error) {
	if !s.Holds(job) {
		return s, fmt.Errorf("%w: complete %s while %s", ErrProtocolViolation, job, s)
	}
	return Idle(), nil
}

// Lose moves any state to LostContact, remembering the held job.
func (s State) Lose() State {
	job := work.JobIdentifier{}
	if s.Status == protocol.StatusBuilding || s.Status == protocol.StatusCancelled || s.Status == protocol.StatusLostContact {
		job = s.Job
	}
	return State{Status: protocol.StatusLostContact, Job: job}
}
