package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"rtlbridge/internal/app/sanitize"
	"rtlbridge/internal/domain/command"
	"rtlbridge/internal/ports"
)

// Config wires the executor's collaborators.
type Config struct {
	Runner    ports.Runner
	Recoverer ports.Recoverer
	// Sanitizer defaults to one targeting sanitize.DefaultExecutable.
	Sanitizer *sanitize.Sanitizer
	Logger    *slog.Logger

	// SkipRecoveryOnLaunchFailure disables the recovery action when the
	// process could not be started at all.
	SkipRecoveryOnLaunchFailure bool

	// OnStateChange is called on the consumer goroutine for every transition.
	OnStateChange func(req command.Request, state command.State)
}

// Service executes queued command requests strictly one at a time.
type Service struct {
	runner        ports.Runner
	recoverer     ports.Recoverer
	sanitizer     *sanitize.Sanitizer
	logger        *slog.Logger
	skipLaunchRec bool
	onState       func(command.Request, command.State)

	state atomic.Value
}

// NewService constructs a Service from cfg.
func NewService(cfg Config) (*Service, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner must be provided")
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = sanitize.New("")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Service{
		runner:        cfg.Runner,
		recoverer:     cfg.Recoverer,
		sanitizer:     cfg.Sanitizer,
		logger:        cfg.Logger,
		skipLaunchRec: cfg.SkipRecoveryOnLaunchFailure,
		onState:       cfg.OnStateChange,
	}
	s.state.Store(command.StateIdle)
	return s, nil
}

// State returns the executor's current state.
func (s *Service) State() command.State {
	return s.state.Load().(command.State)
}

// ExecuteFromProducer pulls requests from producer and runs them sequentially.
//
// If maxRequests is greater than zero the loop stops after that many requests
// have been dequeued. Otherwise it runs until the context is cancelled or the
// producer returns io.EOF. Cancelling ctx never interrupts a running process:
// the current request finishes (or times out) before the loop returns.
//
// When onReport is provided it is invoked after every request, before the
// next one is dequeued.
func (s *Service) ExecuteFromProducer(
	ctx context.Context,
	producer ports.RequestProducer,
	maxRequests int,
	onReport func(command.Report),
) error {
	processed := 0
	for {
		if maxRequests > 0 && processed >= maxRequests {
			return nil
		}

		req, err := producer.NextRequest(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("get next request: %w", err)
		}
		processed++

		report := s.Execute(context.WithoutCancel(ctx), req)
		if onReport != nil {
			onReport(report)
		}
	}
}

// Execute sanitizes and runs a single request, then recovers if it failed.
func (s *Service) Execute(ctx context.Context, req command.Request) command.Report {
	report := command.Report{Request: req}
	logger := s.logger.With("request_id", req.ID)

	argv, err := s.sanitizer.Sanitize(req)
	if err != nil {
		logger.Error("rejecting command", "cmd", req.Command, "error", err)
		report.Err = err
		return report
	}
	report.Argv = argv

	logger.Debug("executing command", "argv", strings.Join(argv, " "), "timeout", timeoutLabel(req))

	s.transition(req, command.StateLaunching)
	outcome := s.runner.Run(ctx, command.Invocation{
		Argv:    argv,
		Timeout: req.Timeout,
		OnStart: func() { s.transition(req, command.StateRunning) },
	})
	report.Outcome = &outcome
	s.transition(req, command.TerminalState(outcome.Kind))

	logOutcome(logger, argv[0], outcome)

	if s.shouldRecover(outcome) {
		report.Recovered = true
		report.RecoveryErr = s.runRecovery(ctx, logger)
	}

	s.transition(req, command.StateIdle)
	return report
}

func (s *Service) shouldRecover(outcome command.Outcome) bool {
	if s.recoverer == nil || !outcome.Failed() {
		return false
	}
	if outcome.Kind == command.OutcomeLaunchFailed && s.skipLaunchRec {
		return false
	}
	return true
}

func (s *Service) runRecovery(ctx context.Context, logger *slog.Logger) error {
	logger.Info("running recovery action")
	if err := s.recoverer.Recover(ctx); err != nil {
		logger.Error("recovery action failed", "error", err)
		return err
	}
	return nil
}

func (s *Service) transition(req command.Request, state command.State) {
	s.state.Store(state)
	if s.onState != nil {
		s.onState(req, state)
	}
}

func logOutcome(logger *slog.Logger, exe string, outcome command.Outcome) {
	attrs := []any{"outcome", string(outcome.Kind), "duration", outcome.Duration}
	switch outcome.Kind {
	case command.OutcomeSuccess:
		logger.Info(exe+" finished", attrs...)
	case command.OutcomeNonZeroExit:
		logger.Warn(fmt.Sprintf("%s exited with %d", exe, outcome.ExitCode), attrs...)
	case command.OutcomeTimedOut:
		logger.Warn(exe+" timed out and was terminated", attrs...)
	case command.OutcomeLaunchFailed:
		logger.Error(exe+" could not be started", append(attrs, "error", outcome.Err)...)
	}
}

func timeoutLabel(req command.Request) string {
	if !req.HasTimeout() {
		return "N/A"
	}
	return req.Timeout.String()
}

// Close releases any resources owned by the underlying runner.
func (s *Service) Close() error {
	return s.runner.Close()
}
