package ports

import (
	"context"

	"rtlbridge/internal/domain/command"
)

// Runner launches an invocation and waits for it to finish.
//
// Implementations must not return before a timed-out process has been
// terminated, and must call Invocation.OnStart once the process is running.
type Runner interface {
	Run(ctx context.Context, inv command.Invocation) command.Outcome
	Close() error
}

// Recoverer performs the fixed recovery action after a failed execution.
type Recoverer interface {
	Recover(ctx context.Context) error
}
