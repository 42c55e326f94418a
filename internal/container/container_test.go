package container

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-procsuite/internal/descriptor"
	"github.com/randomizedcoder/go-procsuite/internal/logging"
	"github.com/randomizedcoder/go-procsuite/internal/outcome"
	"github.com/randomizedcoder/go-procsuite/internal/portpool"
	"github.com/randomizedcoder/go-procsuite/internal/waiter"
)

// =============================================================================
// Test helpers
// =============================================================================

const testClass = "func"

// funcTest is a Test whose phases are plain functions.
type funcTest struct {
	base     *BaseTest
	setup    func(ctx context.Context, b *BaseTest) error
	execute  func(ctx context.Context, b *BaseTest) error
	validate func(ctx context.Context, b *BaseTest) error
	calls    []string
}

func (f *funcTest) Setup(ctx context.Context) error {
	f.calls = append(f.calls, "setup")
	if f.setup == nil {
		return nil
	}
	return f.setup(ctx, f.base)
}

func (f *funcTest) Execute(ctx context.Context) error {
	f.calls = append(f.calls, "execute")
	if f.execute == nil {
		return nil
	}
	return f.execute(ctx, f.base)
}

func (f *funcTest) Validate(ctx context.Context) error {
	f.calls = append(f.calls, "validate")
	if f.validate == nil {
		return nil
	}
	return f.validate(ctx, f.base)
}

func testRegistry(ft *funcTest) *Registry {
	r := NewRegistry()
	r.Register(testClass, func(b *BaseTest) (Test, error) {
		ft.base = b
		return ft, nil
	})
	return r
}

func testDescriptor(t *testing.T, id string) *descriptor.Descriptor {
	t.Helper()
	dir := filepath.Join(t.TempDir(), id)
	return &descriptor.Descriptor{
		ID:        id,
		Title:     id + " title",
		Class:     testClass,
		State:     descriptor.StateRunnable,
		Dir:       dir,
		Input:     filepath.Join(dir, "Input"),
		Output:    filepath.Join(dir, "Output"),
		Reference: filepath.Join(dir, "Reference"),
	}
}

func testRunContext() *RunContext {
	return &RunContext{
		OutSubDir: "linux",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func runOnce(t *testing.T, ft *funcTest, rc *RunContext) *Result {
	t.Helper()
	desc := testDescriptor(t, "t1")
	return New(desc, 0, 0, rc, testRegistry(ft)).Run(context.Background())
}

func passing(ctx context.Context, b *BaseTest) error {
	return b.AddOutcome(outcome.Passed, "", false)
}

// =============================================================================
// Tests: State
// =============================================================================

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateLoaded, "loaded"},
		{StateLoadFailed, "load_failed"},
		{StateSkipped, "skipped"},
		{StateBlocked, "blocked"},
		{StateExecuting, "executing"},
		{StateValidating, "validating"},
		{StateCleaningUp, "cleaning_up"},
		{StateDone, "done"},
		{State(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
	if !StateExecuting.IsActive() || StateDone.IsActive() {
		t.Error("IsActive mismatch")
	}
	if !StateDone.IsTerminal() || StateCleaningUp.IsTerminal() {
		t.Error("IsTerminal mismatch")
	}
}

// =============================================================================
// Tests: Registry
// =============================================================================

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b", func(b *BaseTest) (Test, error) { return b, nil })
	r.Register("a", func(b *BaseTest) (Test, error) { return b, nil })

	if got := r.Classes(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Classes() = %v", got)
	}
	if _, err := r.Lookup("a"); err != nil {
		t.Errorf("Lookup(a): %v", err)
	}
	if _, err := r.Lookup("missing"); err == nil {
		t.Error("Lookup(missing) should fail")
	}
}

// =============================================================================
// Tests: Run lifecycle
// =============================================================================

func TestRun_Passed(t *testing.T) {
	ft := &funcTest{validate: passing}
	res := runOnce(t, ft, testRunContext())

	if res.Outcome != outcome.Passed {
		t.Fatalf("Outcome = %v (%s), want PASSED", res.Outcome, res.Reason)
	}
	if !slices.Equal(ft.calls, []string{"setup", "execute", "validate"}) {
		t.Errorf("calls = %v", ft.calls)
	}

	want := []State{StateCreated, StateLoaded, StateExecuting, StateValidating, StateCleaningUp, StateDone}
	if !slices.Equal(res.States, want) {
		t.Errorf("States = %v, want %v", res.States, want)
	}

	if res.ID != "t1" || res.Index != 0 || res.Cycle != 0 {
		t.Errorf("result identity = %+v", res)
	}
	if !strings.HasSuffix(res.OutputDir, filepath.Join("Output", "linux")) {
		t.Errorf("OutputDir = %q", res.OutputDir)
	}
	if _, err := os.Stat(filepath.Join(res.OutputDir, logging.TestLogFile)); err != nil {
		t.Errorf("run.log missing: %v", err)
	}
}

func TestRun_NoVerdictIsNotVerified(t *testing.T) {
	res := runOnce(t, &funcTest{}, testRunContext())
	if res.Outcome != outcome.NotVerified {
		t.Errorf("Outcome = %v, want NOT VERIFIED", res.Outcome)
	}
}

func TestRun_PhaseFailures(t *testing.T) {
	tests := []struct {
		name       string
		ft         *funcTest
		wantKind   outcome.Kind
		wantReason string
		wantCalls  []string
	}{
		{
			name: "abort replaces earlier outcomes",
			ft: &funcTest{
				execute: func(ctx context.Context, b *BaseTest) error {
					b.AddOutcome(outcome.Failed, "bad", false)
					b.AddOutcome(outcome.Passed, "", false)
					return b.Abort(outcome.TimedOut, "server never started")
				},
			},
			wantKind:   outcome.TimedOut,
			wantReason: "server never started",
			wantCalls:  []string{"setup", "execute"},
		},
		{
			name: "plain error is blocked",
			ft: &funcTest{
				execute: func(ctx context.Context, b *BaseTest) error {
					b.AddOutcome(outcome.Passed, "", false)
					return errors.New("fixture missing")
				},
			},
			wantKind:   outcome.Blocked,
			wantReason: "fixture missing",
			wantCalls:  []string{"setup", "execute"},
		},
		{
			name: "panic is blocked",
			ft: &funcTest{
				validate: func(ctx context.Context, b *BaseTest) error {
					panic("nil map")
				},
			},
			wantKind:   outcome.Blocked,
			wantReason: "validate panicked: nil map",
			wantCalls:  []string{"setup", "execute", "validate"},
		},
		{
			name: "setup error skips execute",
			ft: &funcTest{
				setup: func(ctx context.Context, b *BaseTest) error {
					return errors.New("no fixture")
				},
			},
			wantKind:   outcome.Blocked,
			wantReason: "no fixture",
			wantCalls:  []string{"setup"},
		},
		{
			name: "skip from execute",
			ft: &funcTest{
				execute: func(ctx context.Context, b *BaseTest) error {
					return b.Skip("needs ipv6")
				},
			},
			wantKind:   outcome.Skipped,
			wantReason: "needs ipv6",
			wantCalls:  []string{"setup", "execute"},
		},
		{
			name: "abort on error from AddOutcome",
			ft: &funcTest{
				execute: func(ctx context.Context, b *BaseTest) error {
					return b.AddOutcome(outcome.Failed, "wrong answer", true)
				},
			},
			wantKind:   outcome.Failed,
			wantReason: "wrong answer",
			wantCalls:  []string{"setup", "execute"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := runOnce(t, tc.ft, testRunContext())
			if res.Outcome != tc.wantKind {
				t.Errorf("Outcome = %v, want %v", res.Outcome, tc.wantKind)
			}
			if res.Reason != tc.wantReason {
				t.Errorf("Reason = %q, want %q", res.Reason, tc.wantReason)
			}
			if !slices.Equal(tc.ft.calls, tc.wantCalls) {
				t.Errorf("calls = %v, want %v", tc.ft.calls, tc.wantCalls)
			}
			if res.States[len(res.States)-1] != StateDone {
				t.Errorf("final state = %v", res.States[len(res.States)-1])
			}
		})
	}
}

func TestRun_AbortKeepsSingleRecord(t *testing.T) {
	ft := &funcTest{
		execute: func(ctx context.Context, b *BaseTest) error {
			b.AddOutcome(outcome.Passed, "", false)
			b.AddOutcome(outcome.Failed, "x", false)
			return b.Abort(outcome.Inspect, "look at it")
		},
	}
	res := runOnce(t, ft, testRunContext())
	if len(res.Records) != 1 || res.Records[0].Kind != outcome.Inspect {
		t.Errorf("Records = %+v, want a single INSPECT", res.Records)
	}
}

func TestRun_LoadFailure(t *testing.T) {
	tests := []struct {
		name     string
		registry *Registry
		want     string
	}{
		{"unknown class", NewRegistry(), `Failed to load test: no test class "func" registered`},
		{"factory error", func() *Registry {
			r := NewRegistry()
			r.Register(testClass, func(*BaseTest) (Test, error) { return nil, errors.New("bad args") })
			return r
		}(), "Failed to load test: bad args"},
		{"factory panic", func() *Registry {
			r := NewRegistry()
			r.Register(testClass, func(*BaseTest) (Test, error) { panic("boom") })
			return r
		}(), "Failed to load test: panic: boom"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			desc := testDescriptor(t, "t1")
			res := New(desc, 0, 0, testRunContext(), tc.registry).Run(context.Background())
			if res.Outcome != outcome.Blocked {
				t.Errorf("Outcome = %v, want BLOCKED", res.Outcome)
			}
			if res.Reason != tc.want {
				t.Errorf("Reason = %q, want %q", res.Reason, tc.want)
			}
			want := []State{StateCreated, StateLoadFailed, StateCleaningUp, StateDone}
			if !slices.Equal(res.States, want) {
				t.Errorf("States = %v, want %v", res.States, want)
			}
		})
	}
}

func TestRun_Skipped(t *testing.T) {
	tests := []struct {
		name       string
		edit       func(d *descriptor.Descriptor)
		mode       string
		wantReason string
	}{
		{
			name:       "not runnable",
			edit:       func(d *descriptor.Descriptor) { d.State = descriptor.StateSkipped },
			wantReason: "test is not runnable",
		},
		{
			name: "not runnable with reason",
			edit: func(d *descriptor.Descriptor) {
				d.State = descriptor.StateSkipped
				d.SkippedReason = "flaky on CI"
			},
			wantReason: "flaky on CI",
		},
		{
			name:       "mode mismatch",
			edit:       func(d *descriptor.Descriptor) { d.Modes = []string{"release"} },
			mode:       "debug",
			wantReason: `mode "debug" not supported`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ft := &funcTest{validate: passing}
			desc := testDescriptor(t, "t1")
			tc.edit(desc)
			rc := testRunContext()
			rc.Mode = tc.mode

			res := New(desc, 0, 0, rc, testRegistry(ft)).Run(context.Background())
			if res.Outcome != outcome.Skipped {
				t.Errorf("Outcome = %v, want SKIPPED", res.Outcome)
			}
			if res.Reason != tc.wantReason {
				t.Errorf("Reason = %q, want %q", res.Reason, tc.wantReason)
			}
			if len(ft.calls) != 0 {
				t.Errorf("skipped test ran phases %v", ft.calls)
			}
			if !slices.Contains(res.States, StateSkipped) {
				t.Errorf("States = %v", res.States)
			}
		})
	}
}

func TestRun_OutputDirUnavailable(t *testing.T) {
	desc := testDescriptor(t, "t1")
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	desc.Output = filepath.Join(blocker, "Output")

	ft := &funcTest{validate: passing}
	res := New(desc, 0, 0, testRunContext(), testRegistry(ft)).Run(context.Background())
	if res.Outcome != outcome.Blocked {
		t.Errorf("Outcome = %v, want BLOCKED", res.Outcome)
	}
	if !slices.Contains(res.States, StateBlocked) {
		t.Errorf("States = %v", res.States)
	}
	if len(ft.calls) != 0 {
		t.Errorf("phases ran: %v", ft.calls)
	}
}

// =============================================================================
// Tests: Cleanup
// =============================================================================

func TestRun_CleanupFunctionsRunOnceInReverse(t *testing.T) {
	var order []int
	ft := &funcTest{
		execute: func(ctx context.Context, b *BaseTest) error {
			b.AddCleanupFunction(func() error { order = append(order, 1); return nil })
			b.AddCleanupFunction(func() error { order = append(order, 2); panic("cleanup panic") })
			b.AddCleanupFunction(func() error { order = append(order, 3); return errors.New("ignored") })
			return errors.New("execute failed")
		},
	}
	res := runOnce(t, ft, testRunContext())

	if !slices.Equal(order, []int{3, 2, 1}) {
		t.Errorf("cleanup order = %v, want [3 2 1]", order)
	}
	if res.Outcome != outcome.Blocked {
		t.Errorf("Outcome = %v, cleanup errors must not change it", res.Outcome)
	}

	// A second cleanup has nothing left to run.
	ft.base.cleanup(false)
	if len(order) != 3 {
		t.Errorf("cleanup ran again: %v", order)
	}
}

func TestRun_PortsReleasedAfterRun(t *testing.T) {
	pool := portpool.NewWithPorts([]int{20001, 20002}, portpool.Config{
		Probe: func(network, addr string) error { return nil },
	})
	rc := testRunContext()
	rc.Ports = pool

	var got int
	ft := &funcTest{
		execute: func(ctx context.Context, b *BaseTest) error {
			port, err := b.AllocatePort(ctx, portpool.IPv4)
			if err != nil {
				return err
			}
			got = port
			if pool.Stats().InUse != 1 {
				t.Errorf("InUse during test = %d", pool.Stats().InUse)
			}
			return nil
		},
		validate: passing,
	}
	res := runOnce(t, ft, rc)

	if res.Outcome != outcome.Passed {
		t.Fatalf("Outcome = %v (%s)", res.Outcome, res.Reason)
	}
	if got != 20001 {
		t.Errorf("port = %d, want 20001", got)
	}
	if s := pool.Stats(); s.InUse != 0 || s.TotalLeased != 1 {
		t.Errorf("Stats after run = %+v", s)
	}
}

func TestRun_AllocatePortWithoutPool(t *testing.T) {
	ft := &funcTest{
		execute: func(ctx context.Context, b *BaseTest) error {
			_, err := b.AllocatePort(ctx, portpool.IPv4)
			return err
		},
	}
	res := runOnce(t, ft, testRunContext())
	if res.Outcome != outcome.Blocked {
		t.Errorf("Outcome = %v, want BLOCKED", res.Outcome)
	}
}

// =============================================================================
// Tests: Output handling
// =============================================================================

func TestRun_CoreFileDetected(t *testing.T) {
	ft := &funcTest{
		execute: func(ctx context.Context, b *BaseTest) error {
			return os.WriteFile(filepath.Join(b.Output, "core.4242"), []byte("x"), 0o644)
		},
		validate: passing,
	}
	res := runOnce(t, ft, testRunContext())
	if res.Outcome != outcome.DumpedCore {
		t.Errorf("Outcome = %v, want DUMPED CORE", res.Outcome)
	}
	if res.Reason != "core dumped: core.4242" {
		t.Errorf("Reason = %q", res.Reason)
	}
}

func TestRun_Purge(t *testing.T) {
	writeFiles := func(ctx context.Context, b *BaseTest) error {
		if err := os.MkdirAll(filepath.Join(b.Output, "sub"), 0o755); err != nil {
			return err
		}
		files := map[string]string{
			"server.out":     "listening",
			"empty.err":      "",
			"sub/nested.log": "data",
		}
		for name, content := range files {
			if err := os.WriteFile(filepath.Join(b.Output, name), []byte(content), 0o644); err != nil {
				return err
			}
		}
		return nil
	}

	tests := []struct {
		name     string
		validate func(ctx context.Context, b *BaseTest) error
		kept     []string
		removed  []string
	}{
		{
			name:     "passed keeps only run.log",
			validate: passing,
			kept:     []string{logging.TestLogFile},
			removed:  []string{"server.out", "empty.err", "sub"},
		},
		{
			name: "failed removes empty files",
			validate: func(ctx context.Context, b *BaseTest) error {
				return b.AddOutcome(outcome.Failed, "wrong", false)
			},
			kept:    []string{logging.TestLogFile, "server.out", "sub/nested.log"},
			removed: []string{"empty.err"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rc := testRunContext()
			rc.Purge = true
			res := runOnce(t, &funcTest{execute: writeFiles, validate: tc.validate}, rc)

			for _, name := range tc.kept {
				if _, err := os.Stat(filepath.Join(res.OutputDir, name)); err != nil {
					t.Errorf("%s should be kept: %v", name, err)
				}
			}
			for _, name := range tc.removed {
				if _, err := os.Stat(filepath.Join(res.OutputDir, name)); !os.IsNotExist(err) {
					t.Errorf("%s should be removed (err=%v)", name, err)
				}
			}
		})
	}
}

func TestRun_OutputDirPerCycle(t *testing.T) {
	desc := testDescriptor(t, "t1")
	rc := testRunContext()
	rc.Cycles = 2

	stale := filepath.Join(desc.Output, "linux", "stale.txt")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	first := New(desc, 0, 0, rc, testRegistry(&funcTest{validate: passing})).Run(context.Background())
	if want := filepath.Join(desc.Output, "linux", "cycle1"); first.OutputDir != want {
		t.Errorf("cycle 0 OutputDir = %q, want %q", first.OutputDir, want)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("first cycle should purge the outsubdir")
	}

	second := New(desc, 1, 1, rc, testRegistry(&funcTest{validate: passing})).Run(context.Background())
	if want := filepath.Join(desc.Output, "linux", "cycle2"); second.OutputDir != want {
		t.Errorf("cycle 1 OutputDir = %q, want %q", second.OutputDir, want)
	}
	if _, err := os.Stat(first.OutputDir); err != nil {
		t.Errorf("second cycle must not remove the first cycle's output: %v", err)
	}
}

func TestRun_BufferedConsole(t *testing.T) {
	var console bytes.Buffer
	rc := testRunContext()
	rc.Console = &console
	rc.BufferConsole = true

	res := runOnce(t, &funcTest{validate: passing}, rc)
	if res.Log == nil {
		t.Fatal("Log should be set when console output is buffered")
	}
	if console.Len() != 0 {
		t.Errorf("console written directly: %q", console.String())
	}

	var joined strings.Builder
	if err := res.Log.Drain(&joined); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"test_started", "test_final_outcome", "test_id=t1"} {
		if !strings.Contains(joined.String(), want) {
			t.Errorf("buffered log missing %q", want)
		}
	}
}

func TestRun_UnbufferedConsole(t *testing.T) {
	var console bytes.Buffer
	rc := testRunContext()
	rc.Console = &console

	res := runOnce(t, &funcTest{validate: passing}, rc)
	if res.Log != nil {
		t.Error("Log should be nil without buffering")
	}
	if !strings.Contains(console.String(), "test_final_outcome") {
		t.Errorf("console = %q", console.String())
	}
}

// =============================================================================
// Tests: BaseTest helpers
// =============================================================================

func TestAddOutcome_AbortOnError(t *testing.T) {
	tests := []struct {
		kind      outcome.Kind
		abort     bool
		wantAbort bool
	}{
		{outcome.Passed, true, false},
		{outcome.Inspect, true, false},
		{outcome.Failed, true, true},
		{outcome.TimedOut, true, true},
		{outcome.Blocked, false, false},
		{outcome.Skipped, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.kind.String(), func(t *testing.T) {
			b := newBaseTest(testDescriptor(t, "t1"), 0, t.TempDir(), testRunContext().withDefaults())
			err := b.AddOutcome(tc.kind, "reason", tc.abort)
			_, isAbort := outcome.AsAbort(err)
			if isAbort != tc.wantAbort {
				t.Errorf("AddOutcome(%v, abort=%v) abort = %v, want %v", tc.kind, tc.abort, isAbort, tc.wantAbort)
			}
			if b.Outcome() != tc.kind {
				t.Errorf("Outcome() = %v", b.Outcome())
			}
		})
	}
}

func TestWaitForFile_AbortOnError(t *testing.T) {
	tests := []struct {
		name     string
		abort    bool
		wantKind outcome.Kind
	}{
		{"abort records timed out", true, outcome.TimedOut},
		{"no abort continues", false, outcome.Passed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ft := &funcTest{
				execute: func(ctx context.Context, b *BaseTest) error {
					return b.WaitForFile(ctx, "never.txt", waiter.Options{Timeout: 50 * time.Millisecond}, tc.abort)
				},
				validate: passing,
			}
			res := runOnce(t, ft, testRunContext())
			if res.Outcome != tc.wantKind {
				t.Errorf("Outcome = %v (%s), want %v", res.Outcome, res.Reason, tc.wantKind)
			}
		})
	}
}

func TestWaitForFile_RelativeToOutput(t *testing.T) {
	ft := &funcTest{
		execute: func(ctx context.Context, b *BaseTest) error {
			if err := os.WriteFile(filepath.Join(b.Output, "ready"), nil, 0o644); err != nil {
				return err
			}
			return b.WaitForFile(ctx, "ready", waiter.Options{}, true)
		},
		validate: passing,
	}
	if res := runOnce(t, ft, testRunContext()); res.Outcome != outcome.Passed {
		t.Errorf("Outcome = %v (%s)", res.Outcome, res.Reason)
	}
}

func TestWaitForSignal_ErrorExpression(t *testing.T) {
	tests := []struct {
		name         string
		abortOnError bool
		wantCalls    []string
	}{
		{"abort", true, []string{"setup", "execute"}},
		{"continue", false, []string{"setup", "execute", "validate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &funcTest{
				execute: func(ctx context.Context, b *BaseTest) error {
					if err := os.WriteFile(filepath.Join(b.Output, "server.log"), []byte("FATAL: disk full\n"), 0o644); err != nil {
						return err
					}
					_, err := b.WaitForSignal(ctx, "server.log", "started", waiter.SignalOptions{
						ErrorExprs: []string{"FATAL"},
					}, tt.abortOnError)
					return err
				},
				validate: passing,
			}
			res := runOnce(t, ft, testRunContext())
			if res.Outcome != outcome.Blocked {
				t.Errorf("Outcome = %v, want BLOCKED", res.Outcome)
			}
			if res.Reason != "'FATAL: disk full' found during wait for signal" {
				t.Errorf("Reason = %q", res.Reason)
			}
			if !slices.Equal(ft.calls, tt.wantCalls) {
				t.Errorf("calls = %v, want %v", ft.calls, tt.wantCalls)
			}
		})
	}
}
