// Package container runs one test through its lifecycle: load, execute,
// validate and cleanup. It owns the outcome list, the processes, monitors
// and ports a test acquires, and guarantees they are released exactly once.
package container

// State represents a container's lifecycle state.
type State int

const (
	// StateCreated is the initial state, before the test is loaded.
	StateCreated State = iota

	// StateLoaded means the test implementation was built.
	StateLoaded

	// StateLoadFailed means the test implementation could not be built.
	StateLoadFailed

	// StateSkipped means the test was not run (state or mode mismatch).
	StateSkipped

	// StateBlocked means the output directory could not be prepared.
	StateBlocked

	// StateExecuting covers setup and execute.
	StateExecuting

	// StateValidating covers validate.
	StateValidating

	// StateCleaningUp means processes, monitors and ports are being released.
	StateCleaningUp

	// StateDone is terminal.
	StateDone
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLoaded:
		return "loaded"
	case StateLoadFailed:
		return "load_failed"
	case StateSkipped:
		return "skipped"
	case StateBlocked:
		return "blocked"
	case StateExecuting:
		return "executing"
	case StateValidating:
		return "validating"
	case StateCleaningUp:
		return "cleaning_up"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// IsActive returns true while the test body is running.
func (s State) IsActive() bool {
	return s == StateExecuting || s == StateValidating
}

// IsTerminal returns true once the container has finished.
func (s State) IsTerminal() bool {
	return s == StateDone
}
