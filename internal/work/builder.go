// ABOUTME: Builder steps as a tagged variant with run-if and on-cancel handling.
// ABOUTME: Execution switches on Kind; exec steps run a subprocess that honours the cancel token.

package work

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"
)

// BuilderKind discriminates builder variants.
type BuilderKind string

const (
	BuilderExec BuilderKind = "exec"
	BuilderNull BuilderKind = "null"
)

// RunIf selects when a builder runs relative to earlier failures.
type RunIf string

const (
	RunIfPassed RunIf = "passed"
	RunIfFailed RunIf = "failed"
	RunIfAny    RunIf = "any"
)

// Builder is one step of a job.
type Builder struct {
	Kind       BuilderKind `json:"kind"`
	Command    string      `json:"command,omitempty"`
	Args       []string    `json:"args,omitempty"`
	WorkingDir string      `json:"workingDir,omitempty"`
	RunIf      RunIf       `json:"runIf,omitempty"`
	OnCancel   *Builder    `json:"onCancel,omitempty"`
}

// ExecBuilder returns a builder that runs command with args.
func ExecBuilder(command string, args ...string) Builder {
	return Builder{Kind: BuilderExec, Command: command, Args: args, RunIf: RunIfPassed}
}

// NullBuilder returns a builder that does nothing and passes.
func NullBuilder() Builder {
	return Builder{Kind: BuilderNull, RunIf: RunIfPassed}
}

// Validate checks the builder is well formed.
func (b Builder) Validate() error {
	switch b.Kind {
	case BuilderExec:
		if b.Command == "" {
			return errors.New("exec builder requires a command")
		}
	case BuilderNull:
	default:
		return fmt.Errorf("unknown builder kind %q", b.Kind)
	}
	switch b.RunIf {
	case "", RunIfPassed, RunIfFailed, RunIfAny:
	default:
		return fmt.Errorf("unknown run-if %q", b.RunIf)
	}
	if b.OnCancel != nil {
		if b.OnCancel.OnCancel != nil {
			return errors.New("on-cancel builder cannot have its own on-cancel")
		}
		if err := b.OnCancel.Validate(); err != nil {
			return fmt.Errorf("on-cancel: %w", err)
		}
	}
	return nil
}

// shouldRun applies the run-if condition given whether an earlier step failed.
func (b Builder) shouldRun(failed bool) bool {
	switch b.RunIf {
	case RunIfAny:
		return true
	case RunIfFailed:
		return failed
	default:
		return !failed
	}
}

func (b Builder) describe() string {
	switch b.Kind {
	case BuilderExec:
		return fmt.Sprintf("exec %s %v", b.Command, b.Args)
	default:
		return string(b.Kind)
	}
}

func cloneBuilders(in []Builder) []Builder {
	if in == nil {
		return nil
	}
	out := make([]Builder, len(in))
	for i, b := range in {
		out[i] = b
		out[i].Args = cloneStrings(b.Args)
		if b.OnCancel != nil {
			oc := *b.OnCancel
			oc.Args = cloneStrings(b.OnCancel.Args)
			out[i].OnCancel = &oc
		}
	}
	return out
}

// errCancelled marks a step that stopped because the token fired.
var errCancelled = errors.New("step cancelled")

// stepEnv carries what a running step needs beyond the builder itself.
type stepEnv struct {
	dir      string
	vars     map[string]string
	grace    time.Duration
	reporter Reporter
}

// runBuilder executes one builder. A nil token means the step cannot be
// cancelled, which is how on-cancel steps run.
func runBuilder(ctx context.Context, tok *Token, b Builder, env stepEnv) error {
	switch b.Kind {
	case BuilderNull:
		return nil
	case BuilderExec:
		return runExec(ctx, tok, b, env)
	default:
		return fmt.Errorf("unknown builder kind %q", b.Kind)
	}
}

func runExec(ctx context.Context, tok *Token, b Builder, env stepEnv) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	if tok != nil {
		go func() {
			select {
			case <-tok.Done():
				stop()
			case <-runCtx.Done():
			}
		}()
	}

	cmd := exec.CommandContext(runCtx, b.Command, b.Args...)
	cmd.Dir = env.dir
	if b.WorkingDir != "" {
		cmd.Dir = filepath.Join(env.dir, b.WorkingDir)
	}
	cmd.Env = append(os.Environ(), envList(env.vars)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = env.grace

	out := &lineWriter{emit: env.reporter.Console}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	out.Flush()

	if tok != nil && tok.Cancelled() {
		return errCancelled
	}
	if err != nil {
		return fmt.Errorf("%s: %w", b.describe(), err)
	}
	return nil
}

func envList(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

// lineWriter splits subprocess output into console lines.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line; keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(line[:len(line)-1])
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return
	}
	w.emit(w.buf.String())
	w.buf.Reset()
}
