package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"rtlbridge/internal/domain/command"
)

// maxTimeoutSeconds keeps the converted duration inside int64 nanoseconds.
const maxTimeoutSeconds = float64(math.MaxInt64 / int64(time.Second))

type requestEnvelope struct {
	ID      json.RawMessage `json:"id"`
	Cmd     *string         `json:"cmd"`
	Timeout *float64        `json:"timeout"`
}

// Decode parses a transport payload into a Request.
//
// The payload must be a JSON object with a string "cmd". "timeout" is an
// optional number of seconds. A non-string "id" is ignored. Any failure is returned as *command.DecodeError.
func Decode(payload []byte) (command.Request, error) {
	req, err := decode(payload)
	if err != nil {
		return command.Request{}, &command.DecodeError{Payload: string(payload), Err: err}
	}
	return req, nil
}

func decode(payload []byte) (command.Request, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return command.Request{}, errors.New("payload is not a JSON object")
	}

	var envelope requestEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return command.Request{}, fmt.Errorf("unmarshal payload: %w", err)
	}

	if envelope.Cmd == nil {
		return command.Request{}, errors.New("payload missing cmd")
	}

	timeout, err := envelope.timeout()
	if err != nil {
		return command.Request{}, err
	}

	return command.Request{
		ID:         envelope.id(),
		Command:    *envelope.Cmd,
		Timeout:    timeout,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func (e requestEnvelope) timeout() (time.Duration, error) {
	if e.Timeout == nil {
		return 0, nil
	}
	seconds := *e.Timeout
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0, fmt.Errorf("timeout must be positive, got %v", seconds)
	}
	if seconds >= maxTimeoutSeconds {
		return 0, fmt.Errorf("timeout %v out of range", seconds)
	}
	// Round up so sub-nanosecond values stay bounded.
	return time.Duration(math.Ceil(seconds * float64(time.Second))), nil
}

// id returns the payload id when it is a JSON string. Other types are
// ignored and the caller falls back to the transport key or a fresh id.
func (e requestEnvelope) id() string {
	var id string
	if len(e.ID) == 0 || json.Unmarshal(e.ID, &id) != nil {
		return ""
	}
	return id
}

func newRequestID() string {
	return uuid.NewString()
}
