package outcome

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Record is one recorded verdict.
type Record struct {
	Kind   Kind      `json:"kind" yaml:"kind"`
	Reason string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Time   time.Time `json:"time" yaml:"time"`
}

// List is the append-only verdict list of one test.
//
// The overall kind is always derived from the records. The only stored
// derived value is the reason, which tracks the record that last changed
// the winner. A List is owned by a single goroutine and is not locked.
type List struct {
	records []Record
	reason  string
}

// Add appends a verdict. It returns true if the overall kind changed.
func (l *List) Add(kind Kind, reason string) bool {
	reason = SanitizeReason(reason)

	old, hadOld := l.current()
	l.records = append(l.records, Record{Kind: kind, Reason: reason, Time: time.Now()})
	now := l.Overall()

	changed := !hadOld || now != old
	if changed || (now == kind && l.reason == "" && reason != "") {
		l.reason = reason
	}
	return changed
}

// Override discards every record, then adds kind with reason.
func (l *List) Override(kind Kind, reason string) {
	l.records = nil
	l.reason = ""
	l.Add(kind, reason)
}

// current returns the overall kind, treating an empty list as no verdict at all.
func (l *List) current() (Kind, bool) {
	if len(l.records) == 0 {
		return NotVerified, false
	}
	return l.Overall(), true
}

// Overall returns the most severe recorded kind, or NotVerified when empty.
func (l *List) Overall() Kind {
	if len(l.records) == 0 {
		return NotVerified
	}
	winner := l.records[0].Kind
	for _, r := range l.records[1:] {
		if r.Kind.MoreSevere(winner) {
			winner = r.Kind
		}
	}
	return winner
}

// Reason returns the reason attached to the winning verdict.
func (l *List) Reason() string {
	return l.reason
}

// DisplayReason is Reason with the number of additional failure-class
// verdicts appended, for summaries.
func (l *List) DisplayReason() string {
	failures := 0
	for _, r := range l.records {
		if r.Kind.IsFailure() {
			failures++
		}
	}
	if failures > 1 && l.reason != "" {
		return fmt.Sprintf("%s (+%d other failures)", l.reason, failures-1)
	}
	return l.reason
}

// Records returns a copy of the raw records in insertion order.
func (l *List) Records() []Record {
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of records.
func (l *List) Len() int {
	return len(l.records)
}

// Kinds returns the kinds in insertion order.
func (l *List) Kinds() []Kind {
	kinds := make([]Kind, len(l.records))
	for i, r := range l.records {
		kinds[i] = r.Kind
	}
	return kinds
}

// SanitizeReason drops control characters and replaces tabs with spaces.
func SanitizeReason(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\t':
			b.WriteRune(' ')
		case r == '\n' || r == '\r':
			b.WriteRune(' ')
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
