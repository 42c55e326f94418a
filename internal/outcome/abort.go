package outcome

import (
	"errors"
	"fmt"
)

// AbortExecution stops the current test phase with a chosen verdict.
//
// It is returned as an error from a test's Execute or Validate. The test
// container replaces every recorded verdict with this one and proceeds
// directly to cleanup.
type AbortExecution struct {
	Kind   Kind
	Reason string
}

// Error implements error.
func (e *AbortExecution) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("aborted: %s", e.Kind)
	}
	return fmt.Sprintf("aborted: %s: %s", e.Kind, e.Reason)
}

// Abort returns an AbortExecution error for kind and reason.
func Abort(kind Kind, reason string) error {
	return &AbortExecution{Kind: kind, Reason: SanitizeReason(reason)}
}

// Abortf is Abort with a formatted reason.
func Abortf(kind Kind, format string, args ...any) error {
	return Abort(kind, fmt.Sprintf(format, args...))
}

// AsAbort extracts an AbortExecution from err's chain.
func AsAbort(err error) (*AbortExecution, bool) {
	var abort *AbortExecution
	if errors.As(err, &abort) {
		return abort, true
	}
	return nil, false
}
