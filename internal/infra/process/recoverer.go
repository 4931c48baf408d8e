package process

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"rtlbridge/internal/domain/command"
	"rtlbridge/internal/ports"
)

// ResetArgv resets the RTL-SDR dongle (Realtek RTL2838) on the USB bus.
var ResetArgv = []string{"usbreset", "0bda:2838"}

// Recoverer runs the fixed device reset through a Runner.
type Recoverer struct {
	runner ports.Runner
	argv   []string
	logger *slog.Logger
}

var _ ports.Recoverer = (*Recoverer)(nil)

// NewRecoverer builds a Recoverer that runs ResetArgv with runner.
func NewRecoverer(runner ports.Runner, logger *slog.Logger) *Recoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{runner: runner, argv: ResetArgv, logger: logger}
}

// Recover runs the reset synchronously without a timeout. The returned error
// is informational only.
func (r *Recoverer) Recover(ctx context.Context) error {
	outcome := r.runner.Run(ctx, command.Invocation{Argv: r.argv})
	cmdline := strings.Join(r.argv, " ")

	switch outcome.Kind {
	case command.OutcomeSuccess:
		r.logger.Info("device reset completed", "cmd", cmdline, "duration", outcome.Duration)
		return nil
	case command.OutcomeLaunchFailed:
		return fmt.Errorf("%s: %w", cmdline, outcome.Err)
	default:
		return fmt.Errorf("%s: %s with exit code %d", cmdline, outcome.Kind, outcome.ExitCode)
	}
}
