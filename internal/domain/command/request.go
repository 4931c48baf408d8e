package command

import "time"

// Request is a single command invocation received from the message transport.
//
// A Request is passed by value and never modified after decoding.
type Request struct {
	ID         string
	Command    string
	Timeout    time.Duration
	ReceivedAt time.Time
}

// HasTimeout reports whether the request bounds its execution time.
func (r Request) HasTimeout() bool {
	return r.Timeout > 0
}

// Report captures everything that happened to a Request after it left the queue.
type Report struct {
	Request Request
	// Argv is nil when sanitization rejected the request.
	Argv    []string
	Outcome *Outcome
	Err     error

	Recovered   bool
	RecoveryErr error
}
