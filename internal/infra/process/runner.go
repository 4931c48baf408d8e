// Package process runs sanitized argument vectors as local child processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"rtlbridge/internal/domain/command"
	"rtlbridge/internal/ports"
)

const (
	defaultTerminationGrace = 5 * time.Second
	defaultStderrTailBytes  = 4 << 10
)

// Config controls how child processes are started and stopped.
type Config struct {
	// TerminationGrace is the delay between SIGTERM and SIGKILL on timeout.
	TerminationGrace time.Duration
	// Stdout and Stderr default to the host process streams.
	Stdout io.Writer
	Stderr io.Writer
	// StderrTailBytes bounds the stderr kept in the outcome.
	StderrTailBytes int
	Logger          *slog.Logger
}

// Runner launches local processes. It implements ports.Runner.
type Runner struct {
	grace    time.Duration
	stdout   io.Writer
	stderr   io.Writer
	tailSize int
	logger   *slog.Logger
}

var _ ports.Runner = (*Runner)(nil)

// NewRunner builds a Runner, filling in defaults for zero config values.
func NewRunner(cfg Config) *Runner {
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = defaultTerminationGrace
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.StderrTailBytes <= 0 {
		cfg.StderrTailBytes = defaultStderrTailBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		grace:    cfg.TerminationGrace,
		stdout:   cfg.Stdout,
		stderr:   cfg.Stderr,
		tailSize: cfg.StderrTailBytes,
		logger:   cfg.Logger,
	}
}

// Run starts inv.Argv and waits for it to exit, for the timeout to elapse or
// for ctx to end. In the latter two cases the process group is terminated and
// reaped before Run returns.
func (r *Runner) Run(ctx context.Context, inv command.Invocation) command.Outcome {
	if len(inv.Argv) == 0 {
		return command.Outcome{Kind: command.OutcomeLaunchFailed, ExitCode: -1, Err: errors.New("empty argument vector")}
	}

	tail := newTailBuffer(r.tailSize)
	cmd := exec.Command(inv.Argv[0], inv.Argv[1:]...)
	cmd.Env = os.Environ()
	cmd.Stdout = r.stdout
	cmd.Stderr = io.MultiWriter(r.stderr, tail)
	cmd.WaitDelay = r.grace
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return command.Outcome{
			Kind:     command.OutcomeLaunchFailed,
			ExitCode: -1,
			Duration: time.Since(start),
			Err:      fmt.Errorf("start %s: %w", inv.Argv[0], err),
		}
	}
	inv.Started()
	r.logger.Debug("process started", "pid", cmd.Process.Pid, "argv0", inv.Argv[0])

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timeout:
		timedOut = true
		waitErr = r.terminate(cmd, done)
	case <-ctx.Done():
		timedOut = true
		waitErr = r.terminate(cmd, done)
	}

	outcome := classify(cmd, waitErr, timedOut)
	outcome.Duration = time.Since(start)
	outcome.StderrTail = tail.String()
	return outcome
}

// terminate signals the process group with SIGTERM, escalates to SIGKILL after
// the grace period and always waits for the process to be reaped.
func (r *Runner) terminate(cmd *exec.Cmd, done <-chan error) error {
	pid := cmd.Process.Pid
	if err := signalGroup(cmd, sigterm); err != nil {
		r.logger.Debug("terminate signal failed", "pid", pid, "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case err := <-done:
		return err
	case <-grace.C:
	}

	r.logger.Warn("process ignored SIGTERM, killing", "pid", pid, "grace", r.grace)
	if err := signalGroup(cmd, sigkill); err != nil {
		r.logger.Debug("kill signal failed", "pid", pid, "error", err)
	}
	return <-done
}

func classify(cmd *exec.Cmd, waitErr error, timedOut bool) command.Outcome {
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	if timedOut {
		return command.Outcome{Kind: command.OutcomeTimedOut, ExitCode: exitCode}
	}

	// ErrWaitDelay means the process exited but a descendant kept its output open.
	if exitCode == 0 && (waitErr == nil || errors.Is(waitErr, exec.ErrWaitDelay)) {
		return command.Outcome{Kind: command.OutcomeSuccess}
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return command.Outcome{Kind: command.OutcomeNonZeroExit, ExitCode: exitCode, Err: fmt.Errorf("wait: %w", waitErr)}
	}
	// A process killed by a signal reports -1 and lands here as well.
	return command.Outcome{Kind: command.OutcomeNonZeroExit, ExitCode: exitCode, Err: waitErr}
}

// Close is a no-op; the runner owns no long-lived resources.
func (r *Runner) Close() error {
	return nil
}
