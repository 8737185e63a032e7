// ABOUTME: The Work tagged union, the immutable BuildAssignment, and its wire envelope.
// ABOUTME: BuildWork owns the cancellation token checked while its builders run.

package work

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Kind discriminates Work variants.
type Kind string

const (
	KindBuild  Kind = "build"
	KindNoWork Kind = "noWork"
	KindDeny   Kind = "deny"
)

// DefaultGracePeriod bounds how long a cancelled subprocess may take to exit
// after SIGTERM before it is killed.
const DefaultGracePeriod = 10 * time.Second

// ErrUnknownKind is returned when an envelope names no known variant.
var ErrUnknownKind = errors.New("unknown work kind")

// Work is one of *BuildWork, NoWork or DenyWork.
type Work interface {
	Kind() Kind
	isWork()
}

// NoWork tells the agent to stay idle.
type NoWork struct{}

func (NoWork) Kind() Kind { return KindNoWork }
func (NoWork) isWork()    {}

// DenyWork tells the agent it must not build.
type DenyWork struct {
	Reason string
}

func (DenyWork) Kind() Kind { return KindDeny }
func (DenyWork) isWork()    {}

// Reporter receives progress from a running build. Implementations must be
// safe for concurrent use.
type Reporter interface {
	Console(line string)
	Status(job JobIdentifier, state JobState)
}

// Token is a one-shot cancellation signal.
type Token struct {
	once sync.Once
	ch   chan struct{}
}

// NewToken returns an unfired token.
func NewToken() *Token {
	return &Token{ch: make(chan struct{})}
}

// Cancel fires the token. Extra calls do nothing.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// Done is closed once the token fires.
func (t *Token) Done() <-chan struct{} {
	return t.ch
}

// Cancelled reports whether the token has fired.
func (t *Token) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// AssignmentData is the serializable content of a BuildAssignment.
type AssignmentData struct {
	Plan             JobPlan    `json:"plan"`
	Cause            BuildCause `json:"buildCause"`
	WorkingDirectory string     `json:"workingDirectory"`
}

// BuildAssignment is an immutable snapshot of one job to run. Accessors
// return copies.
type BuildAssignment struct {
	data AssignmentData
}

// NewAssignment validates the plan and snapshots it with the cause.
func NewAssignment(plan JobPlan, cause BuildCause, workingDir string) (*BuildAssignment, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if workingDir == "" {
		return nil, fmt.Errorf("%w: working directory is required", ErrInvalidPlan)
	}
	return &BuildAssignment{data: AssignmentData{
		Plan:             plan.Clone(),
		Cause:            cause.Clone(),
		WorkingDirectory: workingDir,
	}}, nil
}

// JobIdentifier returns the job this assignment runs.
func (a *BuildAssignment) JobIdentifier() JobIdentifier { return a.data.Plan.Identifier }

// Plan returns a copy of the job plan.
func (a *BuildAssignment) Plan() JobPlan { return a.data.Plan.Clone() }

// Builders returns a copy of the ordered builder list.
func (a *BuildAssignment) Builders() []Builder { return cloneBuilders(a.data.Plan.Builders) }

// BuildCause returns a copy of the build cause.
func (a *BuildAssignment) BuildCause() BuildCause { return a.data.Cause.Clone() }

// WorkingDirectory returns where the job runs on the agent.
func (a *BuildAssignment) WorkingDirectory() string { return a.data.WorkingDirectory }

// Data returns a copy of the serializable content.
func (a *BuildAssignment) Data() AssignmentData {
	return AssignmentData{
		Plan:             a.data.Plan.Clone(),
		Cause:            a.data.Cause.Clone(),
		WorkingDirectory: a.data.WorkingDirectory,
	}
}

// BuildWork is a real job for the agent to run.
type BuildWork struct {
	assignment *BuildAssignment
	token      *Token
	grace      time.Duration
}

// NewBuildWork wraps an assignment with a fresh cancellation token.
func NewBuildWork(a *BuildAssignment) *BuildWork {
	return &BuildWork{assignment: a, token: NewToken(), grace: DefaultGracePeriod}
}

func (*BuildWork) Kind() Kind { return KindBuild }
func (*BuildWork) isWork()    {}

// Assignment returns the immutable assignment.
func (w *BuildWork) Assignment() *BuildAssignment { return w.assignment }

// SetGracePeriod overrides how long a cancelled subprocess gets before it is killed.
// Call it before Do.
func (w *BuildWork) SetGracePeriod(d time.Duration) {
	if d > 0 {
		w.grace = d
	}
}

// Cancel fires the work's token. Safe to call concurrently with Do and more than once.
func (w *BuildWork) Cancel() { w.token.Cancel() }

// Cancelled reports whether Cancel has been called.
func (w *BuildWork) Cancelled() bool { return w.token.Cancelled() }

// Do runs the builders in order and returns the job result. If the token has
// already fired Do returns ResultCancelled without running anything. A done
// ctx is treated like a cancel.
func (w *BuildWork) Do(ctx context.Context, r Reporter) Result {
	tok := w.token
	if tok.Cancelled() {
		return ResultCancelled
	}

	job := w.assignment.JobIdentifier()
	r.Status(job, JobStatePreparing)

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			tok.Cancel()
		case <-tok.Done():
		case <-finished:
		}
	}()

	env := stepEnv{
		dir:      w.assignment.WorkingDirectory(),
		vars:     w.assignment.data.Plan.Variables,
		grace:    w.grace,
		reporter: r,
	}

	r.Status(job, JobStateBuilding)
	failed := false
	for _, b := range w.assignment.data.Plan.Builders {
		if tok.Cancelled() {
			r.Console("build cancelled")
			return ResultCancelled
		}
		if !b.shouldRun(failed) {
			continue
		}
		r.Console("[gantry] running " + b.describe())
		err := runBuilder(ctx, tok, b, env)
		if tok.Cancelled() || errors.Is(err, errCancelled) {
			w.runOnCancel(b, env)
			r.Console("build cancelled")
			return ResultCancelled
		}
		if err != nil {
			failed = true
			r.Console(fmt.Sprintf("[gantry] task failed: %v", err))
		}
	}
	if failed {
		return ResultFailed
	}
	return ResultPassed
}

// runOnCancel runs b's on-cancel step, bounded by the grace period.
func (w *BuildWork) runOnCancel(b Builder, env stepEnv) {
	if b.OnCancel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.grace)
	defer cancel()
	env.reporter.Console("[gantry] running on-cancel " + b.OnCancel.describe())
	if err := runBuilder(ctx, nil, *b.OnCancel, env); err != nil {
		env.reporter.Console(fmt.Sprintf("[gantry] on-cancel failed: %v", err))
	}
}

// Envelope is the wire form of a Work value.
type Envelope struct {
	Kind       Kind            `json:"kind"`
	Assignment *AssignmentData `json:"assignment,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// ToEnvelope converts w to its wire form.
func ToEnvelope(w Work) Envelope {
	switch v := w.(type) {
	case *BuildWork:
		data := v.assignment.Data()
		return Envelope{Kind: KindBuild, Assignment: &data}
	case DenyWork:
		return Envelope{Kind: KindDeny, Reason: v.Reason}
	default:
		return Envelope{Kind: KindNoWork}
	}
}

// FromEnvelope rebuilds a Work value, validating build assignments.
func FromEnvelope(e Envelope) (Work, error) {
	switch e.Kind {
	case KindBuild:
		if e.Assignment == nil {
			return nil, fmt.Errorf("%w: build envelope without assignment", ErrInvalidPlan)
		}
		a, err := NewAssignment(e.Assignment.Plan, e.Assignment.Cause, e.Assignment.WorkingDirectory)
		if err != nil {
			return nil, err
		}
		return NewBuildWork(a), nil
	case KindNoWork:
		return NoWork{}, nil
	case KindDeny:
		return DenyWork{Reason: e.Reason}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
}
