// Package sanitize turns untrusted command text into an argument vector for a
// single fixed executable.
//
// Arguments are split on single spaces after environment expansion. Quoting is
// not supported, so an argument can never contain a space.
//
// Only $NAME and ${NAME} with NAME a shell identifier are expanded. Other
// dollar forms such as $$, $1 or $- are kept literally, and ${1} is kept as
// $1. An empty or unterminated brace ("${}" or a trailing "${") is dropped.
package sanitize

import (
	"os"
	"strings"

	"rtlbridge/internal/domain/command"
)

// DefaultExecutable is the radio capture utility every request runs.
const DefaultExecutable = "rtl_433"

const separator = ";"

// Sanitizer builds argument vectors for Executable.
type Sanitizer struct {
	Executable string
	// Getenv resolves variables during expansion; os.Getenv when nil.
	Getenv func(string) string
}

// New returns a Sanitizer for the given executable, or DefaultExecutable when empty.
func New(executable string) *Sanitizer {
	if executable == "" {
		executable = DefaultExecutable
	}
	return &Sanitizer{Executable: executable}
}

// Argv returns the argument vector for raw, or command.ErrEmptyCommand.
func (s *Sanitizer) Argv(raw string) ([]string, error) {
	exe := s.executable()

	cmd, _, _ := strings.Cut(raw, separator)
	cmd = stripLeadingToken(strings.TrimSpace(cmd), exe)
	if cmd == "" {
		return nil, command.ErrEmptyCommand
	}

	expanded := os.Expand(exe+" "+cmd, s.lookup())
	return strings.Split(expanded, " "), nil
}

// Sanitize returns the argument vector for a request's command text.
func (s *Sanitizer) Sanitize(req command.Request) ([]string, error) {
	return s.Argv(req.Command)
}

func (s *Sanitizer) executable() string {
	if s == nil || s.Executable == "" {
		return DefaultExecutable
	}
	return s.Executable
}

// lookup resolves identifiers through Getenv and leaves anything else as
// written.
func (s *Sanitizer) lookup() func(string) string {
	getenv := os.Getenv
	if s != nil && s.Getenv != nil {
		getenv = s.Getenv
	}
	return func(name string) string {
		if !isIdentifier(name) {
			return "$" + name
		}
		return getenv(name)
	}
}

func isIdentifier(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '_', 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case i > 0 && '0' <= c && c <= '9':
		default:
			return false
		}
	}
	return name != ""
}

// stripLeadingToken removes exe when it is the whole first token of cmd.
func stripLeadingToken(cmd, exe string) string {
	rest, ok := strings.CutPrefix(cmd, exe)
	if !ok {
		return cmd
	}
	if rest != "" && !isSpace(rest[0]) {
		return cmd
	}
	return strings.TrimSpace(rest)
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	default:
		return false
	}
}
