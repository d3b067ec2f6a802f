// Package engine wraps the external process that actually performs task
// work (spec.md §4.7/§4.9): one invocation per worker turn, given the
// worktree, task text, and a cancellation signal, producing free-form
// completion text the orchestrator folds into artifacts.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/micic-mihajlo/talonbot-sub000/internal/shared"
	"github.com/micic-mihajlo/talonbot-sub000/internal/talonerr"
)

// Input is everything one engine turn needs.
type Input struct {
	TaskID     string
	Text       string
	WorkDir    string
	Env        []string
	SessionKey string
}

// Output is the free-form result of one engine turn.
type Output struct {
	Text string
}

// Engine performs one unit of task work. Complete must respect ctx
// cancellation; Ping is a cheap liveness probe used by doctor/status.
type Engine interface {
	Complete(ctx context.Context, in Input) (Output, error)
	Ping(ctx context.Context) bool
}

// ProcessEngine shells out to an external binary per turn, grounded on the
// teacher's external-inference-process pattern: spawn, capture, kill on
// deadline. Unlike a long-lived server process, the binary here is one-shot
// per turn and always exits before Complete returns.
type ProcessEngine struct {
	binPath   string
	args      []string
	timeout   time.Duration
	killGrace time.Duration
	logger    *slog.Logger
}

// Config configures a ProcessEngine.
type Config struct {
	BinPath   string
	Args      []string
	Timeout   time.Duration
	KillGrace time.Duration
	Logger    *slog.Logger
}

// NewProcessEngine constructs a ProcessEngine from cfg, filling in
// reasonable defaults for zero-valued fields.
func NewProcessEngine(cfg Config) *ProcessEngine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ProcessEngine{
		binPath:   cfg.BinPath,
		args:      cfg.Args,
		timeout:   cfg.Timeout,
		killGrace: cfg.KillGrace,
		logger:    cfg.Logger,
	}
}

// Complete runs the configured binary once, with in.Text on stdin and
// in.WorkDir as the process's working directory. On timeout, SIGTERM is
// sent first, followed by SIGKILL after killGrace if the process has not
// exited by then.
func (p *ProcessEngine) Complete(ctx context.Context, in Input) (Output, error) {
	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, p.binPath, p.args...)
	cmd.Dir = in.WorkDir
	cmd.Env = append(cmd.Environ(), in.Env...)
	cmd.Stdin = strings.NewReader(in.Text)

	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = p.killGrace

	runErr := cmd.Run()
	if execCtx.Err() != nil {
		p.logger.Warn("engine turn timed out", "taskId", in.TaskID, "timeout", p.timeout)
		return Output{}, talonerr.ErrEngineTimeout
	}
	if runErr != nil {
		p.logger.Error("engine turn failed", "taskId", in.TaskID, "error", runErr, "stderr", shared.Redact(errBuf.String()))
		return Output{}, fmt.Errorf("%w: %s", talonerr.ErrEngineFailed, shared.Redact(strings.TrimSpace(errBuf.String())))
	}
	return Output{Text: shared.Redact(out.String())}, nil
}

// Ping runs the configured binary with no input and a short timeout,
// treating a clean exit as "alive".
func (p *ProcessEngine) Ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(pingCtx, p.binPath, "--version")
	return cmd.Run() == nil
}

// FakeEngine is a deterministic in-memory Engine for tests: it records
// every call and returns a configurable canned response or error.
type FakeEngine struct {
	Responses []Output
	Err       error
	Calls     []Input
	PingOK    bool
}

// Complete returns the next canned Output (or Err), appending in to Calls.
func (f *FakeEngine) Complete(ctx context.Context, in Input) (Output, error) {
	f.Calls = append(f.Calls, in)
	if f.Err != nil {
		return Output{}, f.Err
	}
	if len(f.Responses) == 0 {
		return Output{Text: "ok"}, nil
	}
	idx := len(f.Calls) - 1
	if idx >= len(f.Responses) {
		idx = len(f.Responses) - 1
	}
	return f.Responses[idx], nil
}

// Ping returns the configured PingOK value.
func (f *FakeEngine) Ping(ctx context.Context) bool { return f.PingOK }
