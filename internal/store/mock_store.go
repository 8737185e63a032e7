// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject claim failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/2389/gantry/internal/checksum"
	"github.com/2389/gantry/internal/events"
	"github.com/2389/gantry/internal/work"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	jobs      map[int64]*Job
	nextID    int64
	agents    map[string]*AgentRecord
	checksums map[int64]*checksum.Record
	events    []*events.Event

	// ClaimHook, if set, runs before ClaimJob and can force an error.
	ClaimHook func(buildID int64, agentUUID string) error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		jobs:      make(map[int64]*Job),
		agents:    make(map[string]*AgentRecord),
		checksums: make(map[int64]*checksum.Record),
	}
}

func copyJob(j *Job) *Job {
	c := *j
	c.Plan = j.Plan.Clone()
	c.Cause = j.Cause.Clone()
	return &c
}

// CreateJob stores a new job and assigns its build ID.
func (m *MockStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.jobs {
		a, b := existing.Plan.Identifier, job.Plan.Identifier
		if a.PipelineName == b.PipelineName && a.PipelineCounter == b.PipelineCounter &&
			a.StageName == b.StageName && a.StageCounter == b.StageCounter && a.JobName == b.JobName {
			return ErrDuplicateJob
		}
	}
	if job.State == "" {
		job.State = work.JobStateScheduled
	}
	if job.Result == "" {
		job.Result = work.ResultUnknown
	}
	if job.BuildID == 0 {
		m.nextID++
		job.BuildID = m.nextID
	} else if job.BuildID > m.nextID {
		m.nextID = job.BuildID
	}
	job.Plan.Identifier.BuildID = job.BuildID
	m.jobs[job.BuildID] = copyJob(job)
	return nil
}

// GetJob retrieves a job by build ID.
func (m *MockStore) GetJob(ctx context.Context, buildID int64) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[buildID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

// ListJobs returns jobs in the given states, oldest first.
func (m *MockStore) ListJobs(ctx context.Context, states ...work.JobState) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Job
	for _, j := range m.jobs {
		if len(states) > 0 && !containsState(states, j.State) {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].BuildID < out[k].BuildID })
	return out, nil
}

func containsState(states []work.JobState, s work.JobState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// ClaimJob moves a Scheduled, uncancelled job to Assigned.
func (m *MockStore) ClaimJob(ctx context.Context, buildID int64, agentUUID string, at time.Time) error {
	if m.ClaimHook != nil {
		if err := m.ClaimHook(buildID, agentUUID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[buildID]
	if !ok {
		return ErrNotFound
	}
	if j.State != work.JobStateScheduled || j.CancelRequested {
		return ErrAlreadyClaimed
	}
	j.State = work.JobStateAssigned
	j.AgentUUID = agentUUID
	j.AssignedAt = &at
	return nil
}

// UpdateJobState records progress for an active job.
func (m *MockStore) UpdateJobState(ctx context.Context, buildID int64, state work.JobState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[buildID]
	if !ok {
		return ErrNotFound
	}
	if j.State == work.JobStateCompleted {
		return ErrAlreadyCompleted
	}
	j.State = state
	return nil
}

// RequeueJob returns an unfinished job to Scheduled.
func (m *MockStore) RequeueJob(ctx context.Context, buildID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[buildID]
	if !ok {
		return ErrNotFound
	}
	if j.State == work.JobStateCompleted {
		return ErrAlreadyCompleted
	}
	j.State = work.JobStateScheduled
	j.AgentUUID = ""
	j.AssignedAt = nil
	return nil
}

// RequestCancel flags a job as cancelled.
func (m *MockStore) RequestCancel(ctx context.Context, buildID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[buildID]
	if !ok {
		return ErrNotFound
	}
	j.CancelRequested = true
	return nil
}

// CompleteJob records the terminal result.
func (m *MockStore) CompleteJob(ctx context.Context, buildID int64, result work.Result, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[buildID]
	if !ok {
		return ErrNotFound
	}
	if j.State == work.JobStateCompleted {
		return ErrAlreadyCompleted
	}
	j.State = work.JobStateCompleted
	j.Result = result
	j.CompletedAt = &at
	return nil
}

// SaveAgent upserts an agent record.
func (m *MockStore) SaveAgent(ctx context.Context, agent *AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := *agent
	if existing, ok := m.agents[a.UUID]; ok {
		a.RegisteredAt = existing.RegisteredAt
	}
	m.agents[a.UUID] = &a
	return nil
}

// ListAgents returns agents ordered by UUID.
func (m *MockStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AgentRecord, 0, len(m.agents))
	for _, a := range m.agents {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

// DeleteAgent removes an agent record.
func (m *MockStore) DeleteAgent(ctx context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, uuid)
	return nil
}

// SaveChecksums replaces the checksum record for a build.
func (m *MockStore) SaveChecksums(ctx context.Context, buildID int64, record *checksum.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := checksum.NewRecord(record.Algorithm)
	for k, v := range record.Digests {
		c.Digests[k] = v
	}
	m.checksums[buildID] = c
	return nil
}

// GetChecksums returns the record for a build.
func (m *MockStore) GetChecksums(ctx context.Context, buildID int64) (*checksum.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.checksums[buildID]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// SaveEvent appends to the ledger.
func (m *MockStore) SaveEvent(ctx context.Context, event *events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *event
	m.events = append(m.events, &e)
	return nil
}

// ListEvents returns the newest events first.
func (m *MockStore) ListEvents(ctx context.Context, limit int) ([]*events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	out := make([]*events.Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
