package command

import "time"

// Invocation is a sanitized argument vector ready for launch.
type Invocation struct {
	Argv []string
	// Timeout of zero lets the process run until it exits.
	Timeout time.Duration
	// OnStart, when set, is called once the process has been spawned.
	OnStart func()
}

// Started invokes OnStart if present.
func (i Invocation) Started() {
	if i.OnStart != nil {
		i.OnStart()
	}
}
