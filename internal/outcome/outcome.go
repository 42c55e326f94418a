// Package outcome defines the verdict kinds a test can record and the
// precedence rule that reduces many recorded verdicts to one.
package outcome

import (
	"fmt"
	"strings"
)

// Kind is a test verdict. Lower values are more severe.
type Kind int

const (
	// Skipped means the test was not run.
	Skipped Kind = iota

	// Blocked means the test could not complete (setup error, process failure).
	Blocked

	// DumpedCore means a process started by the test left a core file.
	DumpedCore

	// TimedOut means a process or wait exceeded its deadline.
	TimedOut

	// Failed means validation found a wrong result.
	Failed

	// NotVerified means nothing was verified.
	NotVerified

	// Inspect means the result needs manual inspection.
	Inspect

	// Passed means validation succeeded.
	Passed
)

// Precedence lists every kind from most to least severe.
// Skipped deliberately ranks above Blocked and Failed.
var Precedence = []Kind{Skipped, Blocked, DumpedCore, TimedOut, Failed, NotVerified, Inspect, Passed}

var displayNames = map[Kind]string{
	Skipped:     "SKIPPED",
	Blocked:     "BLOCKED",
	DumpedCore:  "DUMPED CORE",
	TimedOut:    "TIMED OUT",
	Failed:      "FAILED",
	NotVerified: "NOT VERIFIED",
	Inspect:     "REQUIRES INSPECTION",
	Passed:      "PASSED",
}

var goNames = map[Kind]string{
	Skipped:     "skipped",
	Blocked:     "blocked",
	DumpedCore:  "dumped_core",
	TimedOut:    "timed_out",
	Failed:      "failed",
	NotVerified: "not_verified",
	Inspect:     "inspect",
	Passed:      "passed",
}

// String returns the display name of the kind.
func (k Kind) String() string {
	if name, ok := displayNames[k]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(k))
}

// Label returns a lowercase identifier suitable for metric labels.
func (k Kind) Label() string {
	if name, ok := goNames[k]; ok {
		return name
	}
	return "unknown"
}

// IsFailure reports whether the kind is failure-class.
func (k Kind) IsFailure() bool {
	switch k {
	case Blocked, DumpedCore, TimedOut, Failed:
		return true
	default:
		return false
	}
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= Skipped && k <= Passed
}

// MoreSevere reports whether k outranks other.
func (k Kind) MoreSevere(other Kind) bool {
	return k < other
}

// Parse accepts a display name ("TIMED OUT") or an identifier ("timed_out").
func Parse(s string) (Kind, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	for k, name := range goNames {
		if norm == name || norm == strings.ToLower(strings.ReplaceAll(displayNames[k], " ", "_")) {
			return k, nil
		}
	}
	return NotVerified, fmt.Errorf("unknown outcome %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid outcome %d", int(k))
	}
	return []byte(k.Label()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Reduce returns the most severe kind in kinds, or NotVerified when empty.
func Reduce(kinds []Kind) Kind {
	if len(kinds) == 0 {
		return NotVerified
	}
	winner := kinds[0]
	for _, k := range kinds[1:] {
		if k.MoreSevere(winner) {
			winner = k
		}
	}
	return winner
}
