package command

import (
	"errors"
	"fmt"
)

// ErrEmptyCommand is returned when sanitization leaves nothing to execute.
var ErrEmptyCommand = errors.New("empty command after sanitizing")

// DecodeError reports a payload that could not be turned into a Request.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode request: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
