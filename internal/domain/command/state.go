package command

// State is a position in the executor's per-request state machine.
type State string

const (
	StateIdle         State = "idle"
	StateLaunching    State = "launching"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateTimedOut     State = "timed_out"
	StateLaunchFailed State = "launch_failed"
)

// Terminal reports whether the executor leaves this state only by returning to idle.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateLaunchFailed:
		return true
	default:
		return false
	}
}

// TerminalState maps an outcome to the state the executor ended in.
func TerminalState(kind OutcomeKind) State {
	switch kind {
	case OutcomeTimedOut:
		return StateTimedOut
	case OutcomeLaunchFailed:
		return StateLaunchFailed
	default:
		return StateCompleted
	}
}
