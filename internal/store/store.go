// ABOUTME: Store interface and persisted record types for jobs, agents and checksums.
// ABOUTME: Defines the conditional claim used to detect dispatch races.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/gantry/internal/checksum"
	"github.com/2389/gantry/internal/events"
	"github.com/2389/gantry/internal/work"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateJob is returned when a job with the same locator already exists
var ErrDuplicateJob = errors.New("job already exists")

// ErrAlreadyClaimed is returned when a job is no longer claimable
var ErrAlreadyClaimed = errors.New("job already claimed")

// ErrAlreadyCompleted is returned when completing a job that already has a result
var ErrAlreadyCompleted = errors.New("job already completed")

// Job is the server's record of one job instance.
type Job struct {
	BuildID         int64
	Plan            work.JobPlan
	Cause           work.BuildCause
	State           work.JobState
	Result          work.Result
	AgentUUID       string
	CancelRequested bool
	ScheduledAt     time.Time
	AssignedAt      *time.Time
	CompletedAt     *time.Time
}

// Identifier returns the job identifier with the build ID filled in.
func (j *Job) Identifier() work.JobIdentifier {
	id := j.Plan.Identifier
	id.BuildID = j.BuildID
	return id
}

// AgentRecord is the persisted part of an agent's registration.
type AgentRecord struct {
	UUID         string
	HostName     string
	IPAddress    string
	Location     string
	Resources    []string
	Environments []string
	Enabled      bool
	RegisteredAt time.Time
	LastHeard    time.Time
}

// Store defines persistence for the dispatch core.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, buildID int64) (*Job, error)
	ListJobs(ctx context.Context, states ...work.JobState) ([]*Job, error)
	ClaimJob(ctx context.Context, buildID int64, agentUUID string, at time.Time) error
	UpdateJobState(ctx context.Context, buildID int64, state work.JobState) error
	RequeueJob(ctx context.Context, buildID int64) error
	RequestCancel(ctx context.Context, buildID int64) error
	CompleteJob(ctx context.Context, buildID int64, result work.Result, at time.Time) error

	// Agents
	SaveAgent(ctx context.Context, agent *AgentRecord) error
	ListAgents(ctx context.Context) ([]*AgentRecord, error)
	DeleteAgent(ctx context.Context, uuid string) error

	// Checksums
	SaveChecksums(ctx context.Context, buildID int64, record *checksum.Record) error
	GetChecksums(ctx context.Context, buildID int64) (*checksum.Record, error)

	// Ledger
	SaveEvent(ctx context.Context, event *events.Event) error
	ListEvents(ctx context.Context, limit int) ([]*events.Event, error)

	Close() error
}
