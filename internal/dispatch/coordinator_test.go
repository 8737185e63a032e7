// ABOUTME: Tests for assignment, cancellation and completion in the dispatch coordinator.
// ABOUTME: Runs against the in-memory store with a fake clock and recording connections.

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gantry/internal/agent"
	"github.com/2389/gantry/internal/checksum"
	"github.com/2389/gantry/internal/events"
	"github.com/2389/gantry/internal/metrics"
	"github.com/2389/gantry/internal/protocol"
	"github.com/2389/gantry/internal/store"
	"github.com/2389/gantry/internal/work"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memConsole struct {
	mu       sync.Mutex
	lines    map[int64][]string
	last     map[int64]time.Time
	archived map[int64]bool
}

func newMemConsole() *memConsole {
	return &memConsole{
		lines:    make(map[int64][]string),
		last:     make(map[int64]time.Time),
		archived: make(map[int64]bool),
	}
}

func (m *memConsole) Append(buildID int64, lines []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines[buildID] = append(m.lines[buildID], lines...)
	m.last[buildID] = at
	return nil
}

func (m *memConsole) Note(buildID int64, line string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines[buildID] = append(m.lines[buildID], line)
	return nil
}

func (m *memConsole) LastActivity(buildID int64) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.last[buildID]
	return t, ok
}

func (m *memConsole) Archive(buildID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived[buildID] = true
	return nil
}

func (m *memConsole) Lines(buildID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines[buildID]...)
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (r *recordingSender) Send(msg *protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSender) Actions() []protocol.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Action, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Action
	}
	return out
}

type harness struct {
	c       *Coordinator
	reg     *agent.Registry
	st      *store.MockStore
	bc      *events.Broadcaster
	clock   *fakeClock
	console *memConsole
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := slog.Default()
	h := &harness{
		reg:     agent.NewRegistry(logger),
		st:      store.NewMockStore(),
		bc:      events.NewBroadcaster(logger),
		clock:   &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		console: newMemConsole(),
		metrics: metrics.New(),
	}
	h.c = New(cfg, Options{
		Registry: h.reg,
		Store:    h.st,
		Events:   h.bc,
		Console:  h.console,
		Metrics:  h.metrics,
		Logger:   logger,
		Clock:    h.clock.Now,
	})
	t.Cleanup(func() {
		h.c.Close()
		h.bc.Close()
	})
	return h
}

func (h *harness) register(t *testing.T, id string, resources ...string) *recordingSender {
	t.Helper()
	_, err := h.c.Register(context.Background(), protocol.AgentRuntimeInfo{
		Identifier: protocol.AgentIdentifier{HostName: "host-" + id, IPAddress: "10.0.0.1", UUID: id},
		Resources:  resources,
	}, "cookie-"+id)
	require.NoError(t, err)
	sender := &recordingSender{}
	require.NoError(t, h.reg.Attach(id, agent.NewConnection(id, sender, slog.Default())))
	return sender
}

func (h *harness) enqueue(t *testing.T, name string, priority int, resources ...string) work.JobIdentifier {
	t.Helper()
	plan := testPlan(name, resources...)
	plan.Priority = priority
	job, err := h.c.Enqueue(context.Background(), plan, work.BuildCause{Approver: "changes"})
	require.NoError(t, err)
	return job.Identifier()
}

func (h *harness) state(t *testing.T, id string) agent.State {
	t.Helper()
	a, ok := h.reg.Lookup(id)
	require.True(t, ok)
	return a.State
}

func (h *harness) job(t *testing.T, buildID int64) *store.Job {
	t.Helper()
	j, err := h.st.GetJob(context.Background(), buildID)
	require.NoError(t, err)
	return j
}

func testPlan(name string, resources ...string) work.JobPlan {
	return work.JobPlan{
		Identifier: work.JobIdentifier{
			PipelineName:    "build-linux",
			PipelineCounter: 1,
			StageName:       "compile",
			StageCounter:    1,
			JobName:         name,
		},
		Resources: resources,
		Builders:  []work.Builder{work.ExecBuilder("make", "all")},
	}
}

func mustBuild(t *testing.T, w work.Work) *work.BuildWork {
	t.Helper()
	bw, ok := w.(*work.BuildWork)
	require.True(t, ok, "expected BuildWork, got %T", w)
	return bw
}

func TestCoordinator_AssignsPendingJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	job := h.enqueue(t, "unit", 0)

	w, err := h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)
	bw := mustBuild(t, w)
	assert.Equal(t, job, bw.Assignment().JobIdentifier())
	assert.Equal(t, "pipelines/build-linux", bw.Assignment().WorkingDirectory())

	assert.Equal(t, agent.State{Status: protocol.StatusBuilding, Job: job}, h.state(t, "u1"))
	stored := h.job(t, job.BuildID)
	assert.Equal(t, work.JobStateAssigned, stored.State)
	assert.Equal(t, "u1", stored.AgentUUID)

	w, err = h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, work.NoWork{}, w, "a busy agent gets no second job")
	assert.Empty(t, h.c.Pending())
}

func TestCoordinator_ScenarioAssignCancelCancelAgain(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	sender := h.register(t, "u1")
	job := h.enqueue(t, "unit", 0)

	w, err := h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)
	mustBuild(t, w)

	require.NoError(t, h.c.Cancel(ctx, job))
	assert.Equal(t, agent.State{Status: protocol.StatusCancelled, Job: job}, h.state(t, "u1"))
	assert.Equal(t, []protocol.Action{protocol.ActionCancelBuild}, sender.Actions())

	require.NoError(t, h.c.Cancel(ctx, job), "second cancel is a no-op")
	assert.Equal(t, agent.State{Status: protocol.StatusCancelled, Job: job}, h.state(t, "u1"))
	assert.Len(t, sender.Actions(), 1, "no second cancelBuild")

	require.NoError(t, h.c.Complete(ctx, "u1", job, work.ResultCancelled))
	assert.True(t, h.state(t, "u1").IsIdle())
	stored := h.job(t, job.BuildID)
	assert.Equal(t, work.JobStateCompleted, stored.State)
	assert.Equal(t, work.ResultCancelled, stored.Result)
}

func TestCoordinator_CancelledJobCompletesCancelledWhateverAgentSays(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	job := h.enqueue(t, "unit", 0)
	_, err := h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, h.c.Cancel(ctx, job))
	require.NoError(t, h.c.Complete(ctx, "u1", job, work.ResultPassed))
	assert.Equal(t, work.ResultCancelled, h.job(t, job.BuildID).Result)
}

func TestCoordinator_TwoIdleAgentsOneJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	h.register(t, "u2")
	job := h.enqueue(t, "unit", 0)

	results := make(map[string]work.Work)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			w, err := h.c.NextAssignmentFor(ctx, id)
			assert.NoError(t, err)
			mu.Lock()
			results[id] = w
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	builds := 0
	winner := ""
	for id, w := range results {
		if w.Kind() == work.KindBuild {
			builds++
			winner = id
		} else {
			assert.Equal(t, work.NoWork{}, w)
		}
	}
	require.Equal(t, 1, builds)
	assert.True(t, h.state(t, winner).Holds(job))
	for _, id := range []string{"u1", "u2"} {
		if id != winner {
			assert.True(t, h.state(t, id).IsIdle())
		}
	}
}

func TestCoordinator_AtMostOneJobPerAgentUnderConcurrency(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	for _, name := range []string{"a", "b", "c", "d"} {
		h.enqueue(t, name, 0)
	}

	var builds int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := h.c.NextAssignmentFor(ctx, "u1")
			assert.NoError(t, err)
			if w.Kind() == work.KindBuild {
				mu.Lock()
				builds++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, builds)
	assert.Len(t, h.c.Pending(), 3)
}

func TestCoordinator_DispatchRaceRequeues(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	job := h.enqueue(t, "unit", 0)

	var once sync.Once
	h.st.ClaimHook = func(buildID int64, agentUUID string) error {
		var err error
		once.Do(func() { err = store.ErrAlreadyClaimed })
		return err
	}

	w, err := h.c.NextAssignmentFor(ctx, "u1")
	require.ErrorIs(t, err, ErrDispatchRace)
	assert.Equal(t, work.NoWork{}, w)
	assert.True(t, h.state(t, "u1").IsIdle(), "agent reverted to Idle")
	require.Len(t, h.c.Pending(), 1, "job requeued")

	w, err = h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, job, mustBuild(t, w).Assignment().JobIdentifier())
}

func TestCoordinator_CancelDuringClaimWindow(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	sender := h.register(t, "u1")
	job := h.enqueue(t, "unit", 0)

	h.st.ClaimHook = func(buildID int64, agentUUID string) error {
		require.NoError(t, h.c.Cancel(ctx, job))
		return nil
	}

	w, err := h.c.NextAssignmentFor(ctx, "u1")
	require.Error(t, err, "claim fails because the cancel was persisted first")
	assert.Equal(t, work.NoWork{}, w)
	assert.True(t, h.state(t, "u1").IsIdle())
	assert.Empty(t, sender.Actions(), "agent never saw the job")

	stored := h.job(t, job.BuildID)
	assert.Equal(t, work.JobStateCompleted, stored.State)
	assert.Equal(t, work.ResultCancelled, stored.Result)
	assert.Empty(t, h.c.Pending())
}

func TestCoordinator_CancelPendingJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	job := h.enqueue(t, "unit", 0)

	require.NoError(t, h.c.Cancel(ctx, job))
	require.NoError(t, h.c.Cancel(ctx, job), "cancelling a finished job is a no-op")

	w, err := h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, work.NoWork{}, w, "cancelled jobs are never assigned")

	stored := h.job(t, job.BuildID)
	assert.Equal(t, work.ResultCancelled, stored.Result)
	assert.True(t, stored.CancelRequested)
	assert.Contains(t, h.console.Lines(job.BuildID), "[gantry] cancelled before dispatch")
}

func TestCoordinator_CancelUnknownJob(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.c.Cancel(context.Background(), work.JobIdentifier{BuildID: 999})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCoordinator_DisabledAgentIsDenied(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	h.enqueue(t, "unit", 0)
	require.NoError(t, h.c.SetEnabled(ctx, "u1", false))

	w, err := h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, work.DenyWork{Reason: ReasonDisabled}, w)
	assert.Len(t, h.c.Pending(), 1)

	require.NoError(t, h.c.SetEnabled(ctx, "u1", true))
	w, err = h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)
	mustBuild(t, w)
}

func TestCoordinator_ResourceMatching(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "plain")
	h.register(t, "docker", "Linux", "docker")
	job := h.enqueue(t, "image", 0, "docker", "linux")

	w, err := h.c.NextAssignmentFor(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, work.NoWork{}, w, "job stays scheduled when resources do not match")
	assert.Len(t, h.c.Pending(), 1)

	w, err = h.c.NextAssignmentFor(ctx, "docker")
	require.NoError(t, err)
	assert.Equal(t, job, mustBuild(t, w).Assignment().JobIdentifier())
}

func TestCoordinator_PriorityThenFIFO(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	h.register(t, "u2")
	h.register(t, "u3")
	first := h.enqueue(t, "first", 0)
	urgent := h.enqueue(t, "urgent", 5)
	second := h.enqueue(t, "second", 0)

	var got []work.JobIdentifier
	for _, id := range []string{"u1", "u2", "u3"} {
		w, err := h.c.NextAssignmentFor(ctx, id)
		require.NoError(t, err)
		got = append(got, mustBuild(t, w).Assignment().JobIdentifier())
	}
	assert.Equal(t, []work.JobIdentifier{urgent, first, second}, got)
}

func TestCoordinator_CompleteRequiresHeldJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	job := h.enqueue(t, "unit", 0)

	err := h.c.Complete(ctx, "u1", job, work.ResultPassed)
	assert.ErrorIs(t, err, agent.ErrProtocolViolation)

	_, err = h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, h.c.Complete(ctx, "u1", job, work.ResultPassed))
	require.NoError(t, h.c.Complete(ctx, "u1", job, work.ResultPassed), "duplicate report is ignored")

	stored := h.job(t, job.BuildID)
	assert.Equal(t, work.ResultPassed, stored.Result)
	assert.True(t, h.console.archived[job.BuildID])
}

func TestCoordinator_ReportsAndChecksums(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	job := h.enqueue(t, "unit", 0)
	_, err := h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, h.c.ReportStatus(ctx, "u1", job, work.JobStateBuilding))
	assert.Equal(t, work.JobStateBuilding, h.job(t, job.BuildID).State)

	require.NoError(t, h.c.ConsoleOut(ctx, "u1", &protocol.ConsoleOut{Job: job, Lines: []string{"ok"}}))
	assert.Equal(t, []string{"ok"}, h.console.Lines(job.BuildID))

	record := checksum.NewRecord(checksum.MD5)
	record.Add("dist/out.jar", "d41d8cd98f00b204e9800998ecf8427e")
	require.NoError(t, h.c.Completing(ctx, "u1", job, record))
	saved, err := h.st.GetChecksums(ctx, job.BuildID)
	require.NoError(t, err)
	digest, ok := saved.DigestFor("dist/out.jar")
	require.True(t, ok)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", digest)

	other := work.JobIdentifier{PipelineName: "x", BuildID: 77}
	err = h.c.ReportStatus(ctx, "u1", other, work.JobStateBuilding)
	assert.ErrorIs(t, err, agent.ErrProtocolViolation)
}

func TestCoordinator_ReregisterFailsHeldJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	job := h.enqueue(t, "unit", 0)
	_, err := h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)

	h.register(t, "u1")
	assert.True(t, h.state(t, "u1").IsIdle())
	assert.Equal(t, work.ResultFailed, h.job(t, job.BuildID).Result)
}

func TestCoordinator_PublishesEvents(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := h.bc.Subscribe(ctx, events.TopicJobs)

	h.register(t, "u1")
	job := h.enqueue(t, "unit", 0)
	_, err := h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, h.c.Complete(ctx, "u1", job, work.ResultPassed))

	var types []events.Type
	timeout := time.After(time.Second)
	for len(types) < 3 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("timed out, got %v", types)
		}
	}
	assert.Equal(t, []events.Type{events.JobScheduled, events.JobAssigned, events.JobCompleted}, types)

	ledger, err := h.st.ListEvents(ctx, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, ledger)
}

func TestCoordinator_Restore(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	running := h.enqueue(t, "running", 0)
	waiting := h.enqueue(t, "waiting", 0)
	_, err := h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)

	// A fresh coordinator over the same store, as after a restart.
	reg := agent.NewRegistry(slog.Default())
	c2 := New(Config{}, Options{Registry: reg, Store: h.st, Clock: h.clock.Now})
	defer c2.Close()
	require.NoError(t, c2.Restore(ctx))

	a, ok := reg.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, agent.State{Status: protocol.StatusLostContact, Job: running}, a.State)
	pending := c2.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, waiting, pending[0].Identifier())

	_, err = c2.NextAssignmentFor(ctx, "u1")
	assert.True(t, errors.Is(err, ErrAgentLost))

	_, err = c2.Register(ctx, protocol.AgentRuntimeInfo{
		Identifier: protocol.AgentIdentifier{UUID: "u1", HostName: "host-u1"},
	}, "fresh")
	require.NoError(t, err)
	assert.Equal(t, work.ResultFailed, h.job(t, running.BuildID).Result)
}

func TestCoordinator_AbandonRequeuesUnstartedJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	job := h.enqueue(t, "unit", 0)
	_, err := h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)

	assert.True(t, h.c.Abandon(ctx, "u1", job))
	assert.True(t, h.state(t, "u1").IsIdle())
	stored := h.job(t, job.BuildID)
	assert.Equal(t, work.JobStateScheduled, stored.State)
	assert.Empty(t, stored.AgentUUID)
	require.Len(t, h.c.Pending(), 1)

	w, err := h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, job, mustBuild(t, w).Assignment().JobIdentifier())

	assert.False(t, h.c.Abandon(ctx, "u1", work.JobIdentifier{PipelineName: "other", BuildID: 99}),
		"a job the agent does not hold is left alone")
}

func TestCoordinator_AbandonFailsStartedJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	job := h.enqueue(t, "unit", 0)
	_, err := h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, h.c.ReportStatus(ctx, "u1", job, work.JobStateBuilding))

	assert.True(t, h.c.Abandon(ctx, "u1", job))
	assert.True(t, h.state(t, "u1").IsIdle())
	assert.Equal(t, work.ResultFailed, h.job(t, job.BuildID).Result)
	assert.Empty(t, h.c.Pending())
	assert.Contains(t, h.console.Lines(job.BuildID)[0], "idle but was holding the job")
}

func TestCoordinator_AbandonCancelledJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.register(t, "u1")
	job := h.enqueue(t, "unit", 0)
	_, err := h.c.NextAssignmentFor(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, h.c.Cancel(ctx, job))

	assert.True(t, h.c.Abandon(ctx, "u1", job))
	assert.True(t, h.state(t, "u1").IsIdle())
	assert.Equal(t, work.ResultCancelled, h.job(t, job.BuildID).Result)
}

func TestCoordinator_VerdictFailsPassedJob(t *testing.T) {
	logger := slog.Default()
	reg := agent.NewRegistry(logger)
	st := store.NewMockStore()
	console := newMemConsole()
	mismatch := errors.New("checksum mismatch for dist/out.jar")
	var finished []work.Result
	c := New(Config{}, Options{
		Registry: reg,
		Store:    st,
		Console:  console,
		Logger:   logger,
		Verdict: func(buildID int64) error {
			if buildID == 1 {
				return mismatch
			}
			return nil
		},
		OnFinish: func(_ context.Context, _ work.JobIdentifier, result work.Result) {
			finished = append(finished, result)
		},
	})
	t.Cleanup(c.Close)
	ctx := context.Background()

	_, err := c.Register(ctx, protocol.AgentRuntimeInfo{
		Identifier: protocol.AgentIdentifier{HostName: "host-u1", UUID: "u1"},
	}, "cookie-u1")
	require.NoError(t, err)

	var jobs []work.JobIdentifier
	for _, name := range []string{"bad", "good"} {
		j, err := c.Enqueue(ctx, testPlan(name), work.BuildCause{})
		require.NoError(t, err)
		jobs = append(jobs, j.Identifier())
	}
	require.Equal(t, int64(1), jobs[0].BuildID)

	for _, job := range jobs {
		_, err := c.NextAssignmentFor(ctx, "u1")
		require.NoError(t, err)
		require.NoError(t, c.Complete(ctx, "u1", job, work.ResultPassed))
	}

	bad, err := st.GetJob(ctx, jobs[0].BuildID)
	require.NoError(t, err)
	assert.Equal(t, work.ResultFailed, bad.Result)
	assert.Contains(t, console.Lines(jobs[0].BuildID), "[gantry] "+mismatch.Error())

	good, err := st.GetJob(ctx, jobs[1].BuildID)
	require.NoError(t, err)
	assert.Equal(t, work.ResultPassed, good.Result)

	assert.Equal(t, []work.Result{work.ResultFailed, work.ResultPassed}, finished)
}
