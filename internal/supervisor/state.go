// Package supervisor spawns and controls the external processes a test
// depends on. Every process runs in its own process group (a Job Object on
// Windows) so that stopping it also stops its descendants.
package supervisor

import (
	"fmt"
	"strings"
)

// Mode selects whether Start blocks until the process exits.
type Mode int

const (
	// Foreground processes block Start until exit or timeout.
	Foreground Mode = iota

	// Background processes return from Start immediately.
	Background
)

// String returns the lowercase mode name.
func (m Mode) String() string {
	switch m {
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// ParseMode accepts "foreground" or "background".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "foreground", "":
		return Foreground, nil
	case "background":
		return Background, nil
	default:
		return Foreground, fmt.Errorf("unknown process mode %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Status is the observed lifecycle position of a Process.
type Status int

const (
	// StatusCreated is the state before Start.
	StatusCreated Status = iota

	// StatusRunning means a pid is assigned and no exit has been observed.
	StatusRunning

	// StatusExited means the exit status has been recorded.
	StatusExited
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// IsActive returns true while the process may still be running.
func (s Status) IsActive() bool {
	return s == StatusRunning
}

// IsTerminal returns true once the exit status is known.
func (s Status) IsTerminal() bool {
	return s == StatusExited
}
