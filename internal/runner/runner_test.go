package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/go-procsuite/internal/container"
	"github.com/randomizedcoder/go-procsuite/internal/descriptor"
	"github.com/randomizedcoder/go-procsuite/internal/outcome"
)

// =============================================================================
// Test helpers
// =============================================================================

const sleepyClass = "sleepy"

// sleepyTest sleeps for its configured delay, then records its verdict.
type sleepyTest struct {
	base    *container.BaseTest
	delay   time.Duration
	verdict outcome.Kind
	done    func(id string)
}

func (s *sleepyTest) Execute(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.done != nil {
		s.done(s.base.Descriptor.ID)
	}
	return nil
}

func (s *sleepyTest) Validate(ctx context.Context) error {
	return s.base.AddOutcome(s.verdict, "verdict "+s.verdict.String(), false)
}

type fixture struct {
	delays   map[string]time.Duration
	verdicts map[string]outcome.Kind

	mu        sync.Mutex
	completed []string
}

func (f *fixture) registry() *container.Registry {
	r := container.NewRegistry()
	r.Register(sleepyClass, func(b *container.BaseTest) (container.Test, error) {
		verdict, ok := f.verdicts[b.Descriptor.ID]
		if !ok {
			verdict = outcome.Passed
		}
		return &sleepyTest{
			base:    b,
			delay:   f.delays[b.Descriptor.ID],
			verdict: verdict,
			done: func(id string) {
				f.mu.Lock()
				f.completed = append(f.completed, id)
				f.mu.Unlock()
			},
		}, nil
	})
	return r
}

func (f *fixture) completionOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...)
}

func descriptors(t *testing.T, n int) []*descriptor.Descriptor {
	t.Helper()
	root := t.TempDir()
	descs := make([]*descriptor.Descriptor, n)
	for i := range descs {
		id := fmt.Sprintf("t%d", i)
		dir := filepath.Join(root, id)
		descs[i] = &descriptor.Descriptor{
			ID:     id,
			Title:  "test " + id,
			Class:  sleepyClass,
			State:  descriptor.StateRunnable,
			Dir:    dir,
			Output: filepath.Join(dir, "Output"),
		}
	}
	return descs
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingObserver struct {
	mu        sync.Mutex
	runID     string
	total     int
	started   int
	completed []string
	workers   []int
}

func (o *recordingObserver) RunStarted(runID string, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runID, o.total = runID, total
}

func (o *recordingObserver) TestStarted(id string, cycle int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) TestCompleted(res *container.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, res.ID)
}

func (o *recordingObserver) WorkersChanged(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workers = append(o.workers, n)
}

type fixedPrompter struct {
	answer string
	asked  []string
}

func (p *fixedPrompter) Prompt(q string) (string, error) {
	p.asked = append(p.asked, q)
	return p.answer, nil
}

func reportedIDs(report *Report) []string {
	ids := make([]string, len(report.Tests))
	for i, t := range report.Tests {
		ids[i] = t.ID
	}
	return ids
}

// =============================================================================
// Tests: ordering
// =============================================================================

// Five tests on three workers where t2 finishes first and t0 last are still
// reported as t0..t4.
func TestStart_ReportsInSubmissionOrder(t *testing.T) {
	f := &fixture{delays: map[string]time.Duration{
		"t0": 600 * time.Millisecond,
		"t1": 150 * time.Millisecond,
		"t2": 10 * time.Millisecond,
		"t3": 200 * time.Millisecond,
		"t4": 250 * time.Millisecond,
	}}

	var hookOrder []string
	obs := &recordingObserver{}
	r := New(Config{
		Threads:  3,
		Registry: f.registry(),
		Observer: obs,
		Logger:   discardLogger(),
		Hooks: Hooks{
			TestComplete: func(res *container.Result) { hookOrder = append(hookOrder, res.ID) },
		},
	})

	report, err := r.Start(context.Background(), descriptors(t, 5))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := []string{"t0", "t1", "t2", "t3", "t4"}
	if got := reportedIDs(report); !slices.Equal(got, want) {
		t.Errorf("reported %v, want %v", got, want)
	}
	if !slices.Equal(hookOrder, want) {
		t.Errorf("TestComplete order %v, want %v", hookOrder, want)
	}
	if !slices.Equal(obs.completed, want) {
		t.Errorf("observer order %v, want %v", obs.completed, want)
	}

	completed := f.completionOrder()
	if len(completed) != 5 || completed[0] != "t2" || completed[4] != "t0" {
		t.Errorf("completion order = %v, want t2 first and t0 last", completed)
	}
	for i, tr := range report.Tests {
		if tr.Index != i {
			t.Errorf("Tests[%d].Index = %d", i, tr.Index)
		}
	}
}

func TestStart_SerialCycles(t *testing.T) {
	f := &fixture{verdicts: map[string]outcome.Kind{"t1": outcome.Failed}}

	var cycles []int
	var cycleSizes []int
	cleanups := 0
	setups := 0
	r := New(Config{
		Cycles:   2,
		Registry: f.registry(),
		Logger:   discardLogger(),
		Hooks: Hooks{
			Setup: func(ctx context.Context) error { setups++; return nil },
			CycleComplete: func(cycle int, results []*container.Result) {
				cycles = append(cycles, cycle)
				cycleSizes = append(cycleSizes, len(results))
			},
			Cleanup: func() { cleanups++ },
		},
	})

	report, err := r.Start(context.Background(), descriptors(t, 3))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(report.Tests) != 6 {
		t.Fatalf("len(Tests) = %d, want 6", len(report.Tests))
	}
	for i, tr := range report.Tests {
		if tr.Index != i || tr.Cycle != i/3 {
			t.Errorf("Tests[%d] = index %d cycle %d", i, tr.Index, tr.Cycle)
		}
	}
	if !slices.Equal(cycles, []int{0, 1}) || !slices.Equal(cycleSizes, []int{3, 3}) {
		t.Errorf("CycleComplete calls = %v sizes %v", cycles, cycleSizes)
	}
	if setups != 1 || cleanups != 1 {
		t.Errorf("setup=%d cleanup=%d, want 1 each", setups, cleanups)
	}

	for cycle := 0; cycle < 2; cycle++ {
		counts := report.Counts(cycle)
		if counts[outcome.Passed] != 2 || counts[outcome.Failed] != 1 {
			t.Errorf("Counts(%d) = %v", cycle, counts)
		}
		if got := report.Results[cycle][outcome.Failed]; !slices.Equal(got, []string{"t1"}) {
			t.Errorf("Results[%d][FAILED] = %v", cycle, got)
		}
	}
	if !report.HasFailures() {
		t.Error("HasFailures() = false")
	}
	if report.RunID == "" || report.RunID != r.RunID() {
		t.Errorf("RunID = %q", report.RunID)
	}

	p := r.Progress()
	if p.Total != 6 || p.Completed != 6 || len(p.Running) != 0 {
		t.Errorf("Progress = %+v", p)
	}
	if p.Counts[outcome.Failed] != 2 {
		t.Errorf("Progress counts = %v", p.Counts)
	}
}

func TestStart_SetupHookError(t *testing.T) {
	ran := false
	r := New(Config{
		Registry: (&fixture{}).registry(),
		Logger:   discardLogger(),
		Hooks: Hooks{
			Setup:        func(ctx context.Context) error { return errors.New("no database") },
			TestComplete: func(*container.Result) { ran = true },
		},
	})
	_, err := r.Start(context.Background(), descriptors(t, 2))
	if err == nil || !strings.Contains(err.Error(), "no database") {
		t.Errorf("Start error = %v", err)
	}
	if ran {
		t.Error("tests ran after a failed setup hook")
	}
}

func TestStart_LoadFailureIsIsolated(t *testing.T) {
	descs := descriptors(t, 3)
	descs[1].Class = "missing"

	r := New(Config{Threads: 2, Registry: (&fixture{}).registry(), Logger: discardLogger()})
	report, err := r.Start(context.Background(), descs)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := []outcome.Kind{outcome.Passed, outcome.Blocked, outcome.Passed}
	for i, tr := range report.Tests {
		if tr.Outcome != want[i] {
			t.Errorf("%s outcome = %v, want %v", tr.ID, tr.Outcome, want[i])
		}
	}
}

func TestStart_BufferedLogsReplayedInOrder(t *testing.T) {
	f := &fixture{delays: map[string]time.Duration{
		"t0": 200 * time.Millisecond,
		"t1": 100 * time.Millisecond,
		"t2": 0,
	}}
	var console bytes.Buffer
	r := New(Config{
		Threads:  3,
		Registry: f.registry(),
		Console:  &console,
		Logger:   discardLogger(),
	})
	if _, err := r.Start(context.Background(), descriptors(t, 3)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	out := console.String()
	last := -1
	for _, id := range []string{"t0", "t1", "t2"} {
		first := strings.Index(out, "test_id="+id)
		if first < 0 {
			t.Fatalf("no log lines for %s", id)
		}
		if first < last {
			t.Errorf("%s lines appear before the previous test's", id)
		}
		last = strings.LastIndex(out, "test_id="+id)
	}
}

// =============================================================================
// Tests: interrupts
// =============================================================================

func TestInterrupt_DrainKeepsInFlight(t *testing.T) {
	delays := make(map[string]time.Duration)
	for i := 0; i < 6; i++ {
		delays[fmt.Sprintf("t%d", i)] = 500 * time.Millisecond
	}
	f := &fixture{delays: delays}

	r := New(Config{
		Threads:   2,
		Registry:  f.registry(),
		Interrupt: InterruptDrain,
		Logger:    discardLogger(),
	})
	time.AfterFunc(150*time.Millisecond, r.Interrupt)

	report, err := r.Start(context.Background(), descriptors(t, 6))
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Start error = %v, want ErrInterrupted", err)
	}
	if !report.Interrupted {
		t.Error("report should be marked interrupted")
	}
	if got := reportedIDs(report); !slices.Equal(got, []string{"t0", "t1"}) {
		t.Errorf("reported %v, want the two in-flight tests", got)
	}
	for _, tr := range report.Tests {
		if tr.Outcome != outcome.Passed {
			t.Errorf("%s = %v, drained tests should finish normally", tr.ID, tr.Outcome)
		}
	}
}

func TestInterrupt_AbortCancelsRunningTests(t *testing.T) {
	f := &fixture{delays: map[string]time.Duration{"t0": 30 * time.Second, "t1": 30 * time.Second}}
	r := New(Config{
		Registry:  f.registry(),
		Interrupt: InterruptAbort,
		Logger:    discardLogger(),
	})
	time.AfterFunc(100*time.Millisecond, r.Interrupt)

	start := time.Now()
	report, err := r.Start(context.Background(), descriptors(t, 2))
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Start error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("abort took %v", elapsed)
	}
	if len(report.Tests) != 1 {
		t.Fatalf("reported %d tests, want 1", len(report.Tests))
	}
	if got := report.Tests[0]; got.Outcome != outcome.Blocked || got.Reason != "test interrupted during execute" {
		t.Errorf("aborted test = %v %q", got.Outcome, got.Reason)
	}
}

func TestInterrupt_Prompt(t *testing.T) {
	tests := []struct {
		answer      string
		interrupted bool
	}{
		{"yes", false},
		{"Y", false},
		{"no", true},
		{"", true},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprintf("answer %q", tc.answer), func(t *testing.T) {
			prompter := &fixedPrompter{answer: tc.answer}
			r := New(Config{Interrupt: InterruptPrompt, Prompter: prompter, Logger: discardLogger()})
			r.Interrupt()

			if len(prompter.asked) != 1 || prompter.asked[0] != "continue running tests? [yes|no]" {
				t.Errorf("asked %v", prompter.asked)
			}
			if got := r.Progress().Interrupted; got != tc.interrupted {
				t.Errorf("Interrupted = %v, want %v", got, tc.interrupted)
			}
		})
	}
}

func TestInterrupt_SecondInterruptAborts(t *testing.T) {
	prompter := &fixedPrompter{answer: "no"}
	r := New(Config{Interrupt: InterruptPrompt, Prompter: prompter, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.Interrupt()
	if ctx.Err() != nil {
		t.Fatal("drain must not cancel running tests")
	}
	r.Interrupt()
	if ctx.Err() == nil {
		t.Error("second interrupt should cancel running tests")
	}
	if len(prompter.asked) != 1 {
		t.Errorf("prompted %d times, want 1", len(prompter.asked))
	}
}

func TestParseInterruptPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    InterruptPolicy
		wantErr bool
	}{
		{"", InterruptPrompt, false},
		{"prompt", InterruptPrompt, false},
		{"DRAIN", InterruptDrain, false},
		{"abort", InterruptAbort, false},
		{"explode", InterruptPrompt, true},
	}
	for _, tc := range tests {
		got, err := ParseInterruptPolicy(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseInterruptPolicy(%q) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseInterruptPolicy(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLinePrompter(t *testing.T) {
	var out bytes.Buffer
	lp := LinePrompter{In: strings.NewReader("yes\n"), Out: &out}
	answer, err := lp.Prompt(continuePrompt)
	if err != nil {
		t.Fatal(err)
	}
	if answer != "yes" {
		t.Errorf("answer = %q", answer)
	}
	if out.String() != continuePrompt+" " {
		t.Errorf("prompt output = %q", out.String())
	}
}

// =============================================================================
// Tests: report and reorder buffer
// =============================================================================

func TestReport_NonPassesGroupedBySeverity(t *testing.T) {
	report := newReport("run", 2)
	add := func(id string, cycle int, kind outcome.Kind) {
		report.add(&container.Result{ID: id, Cycle: cycle, Outcome: kind})
	}
	add("a", 0, outcome.Failed)
	add("b", 0, outcome.Passed)
	add("c", 0, outcome.Blocked)
	add("d", 1, outcome.TimedOut)
	add("e", 0, outcome.Failed)

	var got []string
	for _, tr := range report.NonPasses() {
		got = append(got, tr.ID)
	}
	if want := []string{"c", "a", "e", "d"}; !slices.Equal(got, want) {
		t.Errorf("NonPasses = %v, want %v", got, want)
	}
	if totals := report.Totals(); totals[outcome.Failed] != 2 || totals[outcome.Passed] != 1 {
		t.Errorf("Totals = %v", totals)
	}
}

func TestReport_HasFailures(t *testing.T) {
	tests := []struct {
		kinds []outcome.Kind
		want  bool
	}{
		{nil, false},
		{[]outcome.Kind{outcome.Passed, outcome.Skipped, outcome.NotVerified}, false},
		{[]outcome.Kind{outcome.Passed, outcome.DumpedCore}, true},
	}
	for _, tc := range tests {
		report := newReport("run", 1)
		for i, k := range tc.kinds {
			report.add(&container.Result{ID: fmt.Sprint(i), Outcome: k})
		}
		if got := report.HasFailures(); got != tc.want {
			t.Errorf("HasFailures(%v) = %v, want %v", tc.kinds, got, tc.want)
		}
	}
}

func TestReorderBuffer(t *testing.T) {
	var emitted []int
	emit := func(res *container.Result) { emitted = append(emitted, res.Index) }
	result := func(i int) *container.Result { return &container.Result{Index: i} }

	b := newReorderBuffer(10)
	b.add(12, result(12))
	b.flush(emit)
	if len(emitted) != 0 {
		t.Fatalf("emitted %v before index 10", emitted)
	}

	b.add(10, result(10))
	b.flush(emit)
	if !slices.Equal(emitted, []int{10}) {
		t.Fatalf("emitted %v, want [10]", emitted)
	}

	b.skip(11)
	b.flush(emit)
	if !slices.Equal(emitted, []int{10, 12}) {
		t.Fatalf("emitted %v, want [10 12]", emitted)
	}

	b.add(15, result(15))
	b.add(14, result(14))
	b.flushAll(emit)
	if !slices.Equal(emitted, []int{10, 12, 14, 15}) {
		t.Errorf("emitted %v, want [10 12 14 15]", emitted)
	}
}
