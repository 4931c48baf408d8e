package command

import "time"

// OutcomeKind classifies how an execution attempt ended.
type OutcomeKind string

const (
	OutcomeSuccess      OutcomeKind = "success"
	OutcomeNonZeroExit  OutcomeKind = "non_zero_exit"
	OutcomeTimedOut     OutcomeKind = "timed_out"
	OutcomeLaunchFailed OutcomeKind = "launch_failed"
)

// Outcome captures the result of running one argument vector.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
	Duration time.Duration
	// Err is set for launch failures and for abnormal waits.
	Err        error
	StderrTail string
}

// Failed reports whether the outcome is anything other than a clean exit.
func (o Outcome) Failed() bool {
	return o.Kind != OutcomeSuccess
}

// ExitOutcome classifies a process that ran to completion.
func ExitOutcome(code int, duration time.Duration) Outcome {
	if code == 0 {
		return Outcome{Kind: OutcomeSuccess, Duration: duration}
	}
	return Outcome{Kind: OutcomeNonZeroExit, ExitCode: code, Duration: duration}
}
