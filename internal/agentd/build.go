// ABOUTME: Build execution on the worker goroutine: run builders, stream console, publish artifacts.
// ABOUTME: Reports Completing with the checksum record before uploading, then Completed with the result.

package agentd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/2389/gantry/internal/artifact"
	"github.com/2389/gantry/internal/checksum"
	"github.com/2389/gantry/internal/protocol"
	"github.com/2389/gantry/internal/work"
)

const (
	consoleBatch    = 100
	consoleInterval = time.Second
)

// run is the build the agent is working on. orphaned is guarded by Agent.mu.
type run struct {
	job      work.JobIdentifier
	work     *work.BuildWork
	dir      string
	plan     work.JobPlan
	orphaned bool
}

// start accepts a build and runs it on a worker goroutine.
func (a *Agent) start(ctx context.Context, bw *work.BuildWork) {
	assigned := bw.Assignment()
	job := assigned.JobIdentifier()
	dir := filepath.Join(a.cfg.WorkDir, filepath.FromSlash(assigned.WorkingDirectory()))

	local, err := work.NewAssignment(assigned.Plan(), assigned.BuildCause(), dir)
	if err != nil {
		a.logger.Error("rejecting invalid assignment", "job", job.String(), "error", err)
		a.report(&run{job: job}, protocol.ActionReportCompleted, protocol.Report{JobState: work.JobStateCompleted, Result: work.ResultFailed})
		return
	}
	r := &run{job: job, work: work.NewBuildWork(local), dir: dir, plan: local.Plan()}
	r.work.SetGracePeriod(a.cfg.CancelGrace)

	a.mu.Lock()
	if a.current != nil {
		busy := a.current.job
		a.mu.Unlock()
		a.logger.Warn("ignoring assignment while building", "job", job.String(), "building", busy.String())
		return
	}
	a.current = r
	a.status = protocol.StatusBuilding
	a.mu.Unlock()

	a.logger.Info("=== BUILD STARTED ===", "job", job.String(), "dir", dir)
	a.wg.Add(1)
	go a.execute(ctx, r)
}

func (a *Agent) execute(ctx context.Context, r *run) {
	defer a.wg.Done()

	rep := newReporter(a, r)
	stop := rep.start()

	result := work.ResultFailed
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		rep.Console(fmt.Sprintf("[gantry] cannot create working directory: %v", err))
	} else {
		result = r.work.Do(ctx, rep)
	}

	var record *checksum.Record
	var files []artifactFile
	if result != work.ResultCancelled && len(r.plan.Artifacts) > 0 {
		var err error
		record, files, err = collectArtifacts(r.dir, r.plan.Artifacts, a.cfg.ChecksumAlgorithm)
		if err != nil {
			rep.Console(fmt.Sprintf("[gantry] collecting artifacts failed: %v", err))
			result = work.ResultFailed
		}
	}

	stop()
	a.report(r, protocol.ActionReportCompleting, protocol.Report{JobState: work.JobStateCompleting, Checksums: record})

	if len(files) > 0 && !r.work.Cancelled() {
		if err := a.publish(ctx, r, record, files); err != nil {
			a.consoleLine(r, fmt.Sprintf("[gantry] publishing artifacts failed: %v", err))
			result = work.ResultFailed
		}
	}
	if r.work.Cancelled() {
		result = work.ResultCancelled
	}

	// Going Idle and reporting Completed is one step for pings, or the
	// server could see an Idle ping while it still holds the job.
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.mu.Lock()
	orphaned := r.orphaned
	a.current = nil
	a.status = protocol.StatusIdle
	a.mu.Unlock()

	a.logger.Info("=== BUILD FINISHED ===", "job", r.job.String(), "result", result, "orphaned", orphaned)
	if !orphaned {
		a.report(r, protocol.ActionReportCompleted, protocol.Report{JobState: work.JobStateCompleted, Result: result})
	}
}

// cancel stops the build if it is job.
func (a *Agent) cancel(job work.JobIdentifier) {
	a.mu.Lock()
	r := a.current
	if r == nil || r.job != job {
		a.mu.Unlock()
		a.logger.Debug("cancel for a job not running here", "job", job.String())
		return
	}
	a.status = protocol.StatusCancelled
	a.mu.Unlock()

	a.logger.Info("=== BUILD CANCEL REQUESTED ===", "job", job.String())
	r.work.Cancel()
}

// cancelCurrent cancels whatever is running, for example on shutdown.
func (a *Agent) cancelCurrent(reason string) {
	a.mu.Lock()
	r := a.current
	a.mu.Unlock()
	if r != nil {
		a.logger.Info("cancelling build", "job", r.job.String(), "reason", reason)
		r.work.Cancel()
	}
}

// abandonCurrent stops the running build without reporting it; the server
// no longer considers this agent its owner.
func (a *Agent) abandonCurrent() {
	a.mu.Lock()
	r := a.current
	if r != nil {
		r.orphaned = true
	}
	a.mu.Unlock()
	if r != nil {
		a.logger.Warn("abandoning build", "job", r.job.String())
		r.work.Cancel()
	}
}

func (a *Agent) isOrphaned(r *run) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return r.orphaned
}

// report sends one of the report actions for r.
func (a *Agent) report(r *run, action protocol.Action, rep protocol.Report) {
	if a.isOrphaned(r) {
		return
	}
	rep.RuntimeInfo = a.runtimeInfo()
	rep.Job = r.job
	msg, err := protocol.NewMessage(action, &rep)
	if err != nil {
		a.logger.Error("building report", "action", action, "error", err)
		return
	}
	if err := a.send(msg); err != nil {
		a.logger.Warn("failed to send report", "action", action, "job", r.job.String(), "error", err)
	}
}

func (a *Agent) consoleLine(r *run, line string) {
	a.sendConsole(r, []string{line})
}

func (a *Agent) sendConsole(r *run, lines []string) {
	if len(lines) == 0 || a.isOrphaned(r) {
		return
	}
	msg, err := protocol.NewMessage(protocol.ActionConsoleOut, &protocol.ConsoleOut{Job: r.job, Lines: lines})
	if err != nil {
		return
	}
	if err := a.send(msg); err != nil {
		a.logger.Debug("dropping console output", "job", r.job.String(), "lines", len(lines), "error", err)
	}
}

// reporter batches console lines and forwards status changes.
type reporter struct {
	agent *Agent
	run   *run

	mu    sync.Mutex
	lines []string
}

func newReporter(a *Agent, r *run) *reporter {
	return &reporter{agent: a, run: r}
}

// start flushes console output every consoleInterval until the returned
// stop function is called. stop flushes what is left.
func (p *reporter) start() (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(consoleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p.flush()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-finished
			p.flush()
		})
	}
}

func (p *reporter) Console(line string) {
	p.mu.Lock()
	p.lines = append(p.lines, line)
	full := len(p.lines) >= consoleBatch
	p.mu.Unlock()
	if full {
		p.flush()
	}
}

func (p *reporter) Status(job work.JobIdentifier, state work.JobState) {
	p.flush()
	p.agent.report(p.run, protocol.ActionReportCurrentStatus, protocol.Report{JobState: state})
}

func (p *reporter) flush() {
	p.mu.Lock()
	lines := p.lines
	p.lines = nil
	p.mu.Unlock()
	p.agent.sendConsole(p.run, lines)
}

// artifactFile is one local file and the path it is published under.
type artifactFile struct {
	local string
	dest  string
}

// collectArtifacts expands the artifact plans under dir and hashes every
// file. Sources are globs relative to dir; a matched directory is published
// recursively under its own name.
func collectArtifacts(dir string, plans []work.ArtifactPlan, alg checksum.Algorithm) (*checksum.Record, []artifactFile, error) {
	record := checksum.NewRecord(alg)
	var files []artifactFile

	for _, p := range plans {
		matches, err := filepath.Glob(filepath.Join(dir, filepath.FromSlash(p.Source)))
		if err != nil {
			return nil, nil, fmt.Errorf("artifact source %q: %w", p.Source, err)
		}
		if len(matches) == 0 {
			return nil, nil, fmt.Errorf("artifact source %q matched nothing", p.Source)
		}
		for _, m := range matches {
			root := filepath.Dir(m)
			err := filepath.WalkDir(m, func(local string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return err
				}
				rel, err := filepath.Rel(root, local)
				if err != nil {
					return err
				}
				dest := checksum.Normalize(path.Join(p.Destination, filepath.ToSlash(rel)))
				f, err := os.Open(local)
				if err != nil {
					return err
				}
				digest, err := checksum.Compute(alg, f)
				f.Close()
				if err != nil {
					return err
				}
				record.Add(dest, digest)
				files = append(files, artifactFile{local: local, dest: dest})
				return nil
			})
			if err != nil {
				return nil, nil, err
			}
		}
	}
	return record, files, nil
}

// publish uploads the manifest and then every file.
func (a *Agent) publish(ctx context.Context, r *run, record *checksum.Record, files []artifactFile) error {
	if a.uploader == nil {
		a.consoleLine(r, "[gantry] no artifact server configured, skipping upload")
		return nil
	}
	creds := a.credentials()
	buildID := r.job.BuildID
	if err := a.uploader.PutManifest(ctx, creds, buildID, record); err != nil {
		return err
	}

	var errs []error
	for _, f := range files {
		outcome, err := a.uploadFile(ctx, creds, buildID, f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.consoleLine(r, fmt.Sprintf("[gantry] uploaded %s (%s)", f.dest, outcome))
	}
	return errors.Join(errs...)
}

func (a *Agent) uploadFile(ctx context.Context, creds artifact.Credentials, buildID int64, f artifactFile) (string, error) {
	fh, err := os.Open(f.local)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	return a.uploader.Upload(ctx, creds, buildID, f.dest, fh)
}
