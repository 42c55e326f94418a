package runner

import (
	"time"

	"github.com/randomizedcoder/go-procsuite/internal/container"
	"github.com/randomizedcoder/go-procsuite/internal/outcome"
)

// TestResult is one reported test.
type TestResult struct {
	ID        string
	Title     string
	Index     int
	Cycle     int
	Outcome   outcome.Kind
	Reason    string
	Duration  time.Duration
	OutputDir string
}

// Report is the aggregate result of a run.
type Report struct {
	RunID    string
	Start    time.Time
	Duration time.Duration
	Cycles   int

	// Results maps cycle -> outcome -> test ids, in reporting order.
	Results map[int]map[outcome.Kind][]string

	// Tests holds every reported test in submission order.
	Tests []TestResult

	// Interrupted is set when the run stopped before every test ran.
	Interrupted bool
}

func newReport(runID string, cycles int) *Report {
	return &Report{
		RunID:   runID,
		Start:   time.Now(),
		Cycles:  cycles,
		Results: make(map[int]map[outcome.Kind][]string),
	}
}

func (r *Report) add(res *container.Result) {
	byKind, ok := r.Results[res.Cycle]
	if !ok {
		byKind = make(map[outcome.Kind][]string)
		r.Results[res.Cycle] = byKind
	}
	byKind[res.Outcome] = append(byKind[res.Outcome], res.ID)

	r.Tests = append(r.Tests, TestResult{
		ID:        res.ID,
		Title:     res.Title,
		Index:     res.Index,
		Cycle:     res.Cycle,
		Outcome:   res.Outcome,
		Reason:    res.Reason,
		Duration:  res.Duration,
		OutputDir: res.OutputDir,
	})
}

// HasFailures reports whether any test ended with a failure-class outcome.
func (r *Report) HasFailures() bool {
	for _, t := range r.Tests {
		if t.Outcome.IsFailure() {
			return true
		}
	}
	return false
}

// Counts returns the number of tests per outcome for cycle.
func (r *Report) Counts(cycle int) map[outcome.Kind]int {
	counts := make(map[outcome.Kind]int)
	for kind, ids := range r.Results[cycle] {
		counts[kind] = len(ids)
	}
	return counts
}

// Totals returns the number of tests per outcome across every cycle.
func (r *Report) Totals() map[outcome.Kind]int {
	counts := make(map[outcome.Kind]int)
	for _, t := range r.Tests {
		counts[t.Outcome]++
	}
	return counts
}

// NonPasses returns every test that did not pass, grouped by cycle and
// then by severity, most severe first.
func (r *Report) NonPasses() []TestResult {
	var out []TestResult
	for cycle := 0; cycle < r.Cycles; cycle++ {
		for _, kind := range outcome.Precedence {
			if kind == outcome.Passed {
				continue
			}
			for _, t := range r.Tests {
				if t.Cycle == cycle && t.Outcome == kind {
					out = append(out, t)
				}
			}
		}
	}
	return out
}
