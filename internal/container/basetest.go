package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/randomizedcoder/go-procsuite/internal/condition"
	"github.com/randomizedcoder/go-procsuite/internal/descriptor"
	"github.com/randomizedcoder/go-procsuite/internal/monitor"
	"github.com/randomizedcoder/go-procsuite/internal/outcome"
	"github.com/randomizedcoder/go-procsuite/internal/portpool"
	"github.com/randomizedcoder/go-procsuite/internal/supervisor"
	"github.com/randomizedcoder/go-procsuite/internal/waiter"
)

// BaseTest is the helper surface every test kind builds on. It records
// verdicts and tracks the processes, monitors and ports the test acquires
// so the container can release them.
//
// BaseTest also implements Test with no-op phases; the container runs it
// in place of a test that failed to load.
type BaseTest struct {
	Descriptor *descriptor.Descriptor
	Mode       string
	Cycle      int

	Input     string
	Output    string
	Reference string

	Logger *slog.Logger
	Run    *RunContext

	outMu    sync.Mutex
	outcomes outcome.List

	mu        sync.Mutex
	processes []*supervisor.Process
	monitors  []*monitor.Monitor
	cleanups  []func() error
	ports     []int
}

func newBaseTest(desc *descriptor.Descriptor, cycle int, output string, run *RunContext) *BaseTest {
	return &BaseTest{
		Descriptor: desc,
		Mode:       run.Mode,
		Cycle:      cycle,
		Input:      desc.Input,
		Output:     output,
		Reference:  desc.Reference,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Run:        run,
	}
}

// Execute implements Test.
func (b *BaseTest) Execute(ctx context.Context) error { return nil }

// Validate implements Test.
func (b *BaseTest) Validate(ctx context.Context) error { return nil }

// =============================================================================
// Outcomes
// =============================================================================

// AddOutcome records a verdict. With abortOnError set, a failure-class
// kind also returns an AbortExecution the caller should return.
func (b *BaseTest) AddOutcome(kind outcome.Kind, reason string, abortOnError bool) error {
	b.outMu.Lock()
	b.outcomes.Add(kind, reason)
	b.outMu.Unlock()

	if kind.IsFailure() {
		b.Logger.Warn("outcome_added", "outcome", kind.String(), "reason", reason)
	} else {
		b.Logger.Debug("outcome_added", "outcome", kind.String(), "reason", reason)
	}

	if abortOnError && kind.IsFailure() {
		return outcome.Abort(kind, reason)
	}
	return nil
}

// Abort returns an AbortExecution for kind. Return it from a test phase.
func (b *BaseTest) Abort(kind outcome.Kind, reason string) error {
	return outcome.Abort(kind, reason)
}

// Skip returns an AbortExecution that marks the test skipped.
func (b *BaseTest) Skip(reason string) error {
	return outcome.Abort(outcome.Skipped, reason)
}

// Outcome returns the current overall verdict.
func (b *BaseTest) Outcome() outcome.Kind {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	return b.outcomes.Overall()
}

// OutcomeReason returns the reason of the current overall verdict.
func (b *BaseTest) OutcomeReason() string {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	return b.outcomes.Reason()
}

// Records returns every verdict recorded so far.
func (b *BaseTest) Records() []outcome.Record {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	return b.outcomes.Records()
}

func (b *BaseTest) overrideOutcome(kind outcome.Kind, reason string) {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	b.outcomes.Override(kind, reason)
}

func (b *BaseTest) snapshot() (outcome.Kind, string, []outcome.Record) {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	return b.outcomes.Overall(), b.outcomes.DisplayReason(), b.outcomes.Records()
}

// =============================================================================
// Processes
// =============================================================================

// ProcessOptions describes a process started by a test.
type ProcessOptions struct {
	Command    string
	Args       []string
	Env        map[string]string // empty uses supervisor.DefaultEnv()
	WorkingDir string            // empty uses the output directory

	Mode    supervisor.Mode
	Timeout time.Duration // foreground only; 0 uses RunContext.DefaultTimeout

	// Stdout and Stderr are relative to the output directory unless absolute.
	Stdout string
	Stderr string

	DisplayName string

	// ExpectedExitStatus is checked for foreground processes. Empty means "==0".
	ExpectedExitStatus string
	IgnoreExitStatus   bool
	AbortOnError       bool
}

// StartProcess starts a process and records a verdict if it cannot be
// started, times out in the foreground, or exits with an unexpected
// status. The returned process is nil only when it was never created.
func (b *BaseTest) StartProcess(ctx context.Context, opts ProcessOptions) (*supervisor.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	expected := condition.ExitSuccess
	if opts.ExpectedExitStatus != "" {
		c, err := condition.Parse(opts.ExpectedExitStatus)
		if err != nil {
			return nil, fmt.Errorf("expected exit status: %w", err)
		}
		expected = c
	}

	if opts.WorkingDir == "" {
		opts.WorkingDir = b.Output
	}
	if opts.Mode == supervisor.Foreground && opts.Timeout <= 0 {
		opts.Timeout = b.Run.DefaultTimeout
	}

	p := supervisor.New(supervisor.Config{
		Command:     opts.Command,
		Args:        opts.Args,
		Env:         opts.Env,
		WorkingDir:  opts.WorkingDir,
		Mode:        opts.Mode,
		Timeout:     opts.Timeout,
		Stdout:      b.outputPath(opts.Stdout),
		Stderr:      b.outputPath(opts.Stderr),
		DisplayName: opts.DisplayName,
		StopTimeout: b.Run.StopTimeout,
		Logger:      b.Logger,
		Spawner:     b.Run.Spawner,
		Callbacks:   b.Run.ProcessCallbacks,
	})

	b.mu.Lock()
	b.processes = append(b.processes, p)
	b.mu.Unlock()

	err := p.Start()
	switch {
	case err == nil:
	case errors.Is(err, supervisor.ErrTimeout):
		if stopErr := p.Stop(true); stopErr != nil {
			b.Logger.Warn("process_stop_failed", "process", p.String(), "error", stopErr)
		}
		return p, b.AddOutcome(outcome.TimedOut,
			fmt.Sprintf("Process %s timed out after %d secs", p, int(opts.Timeout.Seconds())),
			opts.AbortOnError)
	default:
		return p, b.AddOutcome(outcome.Blocked,
			fmt.Sprintf("Could not start %s process: %v", p, err),
			opts.AbortOnError)
	}

	if err := ctx.Err(); err != nil {
		return p, err
	}

	if opts.Mode == supervisor.Foreground && !opts.IgnoreExitStatus {
		status, _ := p.ExitStatus()
		if !expected.Eval(status) {
			reason := fmt.Sprintf("%s returned exit code %d (expected %s)", p, status, expected)
			if expected == condition.ExitSuccess {
				reason = fmt.Sprintf("%s returned non-zero exit code %d", p, status)
			}
			return p, b.AddOutcome(outcome.Blocked, reason, opts.AbortOnError)
		}
	}
	return p, nil
}

// StopProcess stops p, recording Blocked if it survives.
func (b *BaseTest) StopProcess(p *supervisor.Process, hard, abortOnError bool) error {
	if err := p.Stop(hard); err != nil {
		return b.AddOutcome(outcome.Blocked, fmt.Sprintf("Unable to stop process %s: %v", p, err), abortOnError)
	}
	return nil
}

// SignalProcess delivers sig to p, recording Blocked on failure.
func (b *BaseTest) SignalProcess(p *supervisor.Process, sig os.Signal, abortOnError bool) error {
	if err := p.Signal(sig); err != nil {
		return b.AddOutcome(outcome.Blocked, fmt.Sprintf("Unable to send signal %v to process %s: %v", sig, p, err), abortOnError)
	}
	return nil
}

// WaitProcess waits for p to exit, recording TimedOut on timeout.
func (b *BaseTest) WaitProcess(p *supervisor.Process, timeout time.Duration, abortOnError bool) error {
	if err := p.Wait(timeout); err != nil {
		return b.AddOutcome(outcome.TimedOut,
			fmt.Sprintf("Timed out waiting for process %s after %d secs", p, int(timeout.Seconds())),
			abortOnError)
	}
	return nil
}

// Process returns the most recently started process with display name name.
func (b *BaseTest) Process(name string) (*supervisor.Process, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.processes) - 1; i >= 0; i-- {
		if b.processes[i].String() == name {
			return b.processes[i], true
		}
	}
	return nil, false
}

// Processes returns every process started by the test.
func (b *BaseTest) Processes() []*supervisor.Process {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*supervisor.Process, len(b.processes))
	copy(out, b.processes)
	return out
}

// StartMonitor samples p into file, relative to the output directory.
func (b *BaseTest) StartMonitor(p *supervisor.Process, interval time.Duration, file string) (*monitor.Monitor, error) {
	m, err := monitor.Start(p.Pid(), monitor.Options{
		Interval: interval,
		Path:     b.outputPath(file),
		Logger:   b.Logger,
	})
	if err != nil {
		b.Logger.Warn("monitor_start_failed", "process", p.String(), "error", err)
		return nil, err
	}

	b.mu.Lock()
	b.monitors = append(b.monitors, m)
	b.mu.Unlock()
	return m, nil
}

// =============================================================================
// Waits
// =============================================================================

// WaitForFile waits for path, relative to the output directory, to exist.
func (b *BaseTest) WaitForFile(ctx context.Context, path string, opts waiter.Options, abortOnError bool) error {
	path = b.outputPath(path)
	opts = b.waitOptions(opts)
	return b.waitFailed(ctx, "file "+path, waiter.ForFile(ctx, path, opts), abortOnError)
}

// WaitForSocket waits for a TCP listener on host:port.
func (b *BaseTest) WaitForSocket(ctx context.Context, host string, port int, opts waiter.Options, abortOnError bool) error {
	opts = b.waitOptions(opts)
	return b.waitFailed(ctx, fmt.Sprintf("socket %s:%d", host, port), waiter.ForSocket(ctx, host, port, opts), abortOnError)
}

// WaitForSignal waits for expr to match in path, relative to the output
// directory, and returns the matching lines.
func (b *BaseTest) WaitForSignal(ctx context.Context, path, expr string, opts waiter.SignalOptions, abortOnError bool) ([]string, error) {
	path = b.outputPath(path)
	opts.Options = b.waitOptions(opts.Options)
	matches, err := waiter.ForSignal(ctx, path, expr, opts)
	return matches, b.waitFailed(ctx, "signal "+expr, err, abortOnError)
}

func (b *BaseTest) waitOptions(opts waiter.Options) waiter.Options {
	if opts.Logger == nil {
		opts.Logger = b.Logger
	}
	return opts
}

// waitFailed maps a wait error to a verdict. A matched error expression
// always records Blocked. Other failures without abortOnError are logged
// and the test continues.
func (b *BaseTest) waitFailed(ctx context.Context, what string, err error, abortOnError bool) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	if errors.Is(err, waiter.ErrErrorExpression) {
		return b.AddOutcome(outcome.Blocked, err.Error(), abortOnError)
	}
	if !abortOnError {
		b.Logger.Warn("wait_failed", "waiting", what, "error", err)
		return nil
	}

	kind := outcome.Blocked
	if errors.Is(err, waiter.ErrTimeout) {
		kind = outcome.TimedOut
	}
	return b.AddOutcome(kind, err.Error(), true)
}

// =============================================================================
// Ports and cleanup
// =============================================================================

// AllocatePort leases a free server port, probed on hosts (all interfaces
// if none). The port is released after every process has been stopped.
func (b *BaseTest) AllocatePort(ctx context.Context, family portpool.Family, hosts ...string) (int, error) {
	if b.Run.Ports == nil {
		return 0, outcome.Abort(outcome.Blocked, "no port pool configured")
	}

	port, err := b.Run.Ports.Acquire(ctx, hosts, family)
	if err != nil {
		if ctx.Err() != nil {
			return 0, err
		}
		return 0, outcome.Abortf(outcome.Blocked, "Unable to allocate %s port: %v", family, err)
	}

	b.mu.Lock()
	b.ports = append(b.ports, port)
	b.mu.Unlock()

	b.Logger.Debug("port_allocated", "port", port, "family", family.String())
	return port, nil
}

// AddCleanupFunction registers fn to run during cleanup. Functions run
// in reverse registration order before processes are stopped.
func (b *BaseTest) AddCleanupFunction(fn func() error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanups = append(b.cleanups, fn)
}

// cleanup releases everything the test acquired. It is called exactly
// once by the container; errors are logged, never returned.
func (b *BaseTest) cleanup(hard bool) {
	b.mu.Lock()
	cleanups := b.cleanups
	monitors := b.monitors
	ports := b.ports
	b.cleanups, b.monitors, b.ports = nil, nil, nil
	b.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		b.runCleanup(i, cleanups[i])
	}

	for _, m := range monitors {
		m.Stop()
	}

	b.stopProcesses(hard)

	for _, port := range ports {
		if err := b.Run.Ports.Release(port); err != nil {
			b.Logger.Warn("port_release_failed", "port", port, "error", err)
		}
	}
}

func (b *BaseTest) runCleanup(i int, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			b.Logger.Error("cleanup_panic", "index", i, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		b.Logger.Warn("cleanup_failed", "index", i, "error", err)
	}
}

// stopProcesses stops every running process concurrently.
func (b *BaseTest) stopProcesses(hard bool) {
	var wg sync.WaitGroup
	for _, p := range b.Processes() {
		if !p.Running() {
			continue
		}
		wg.Add(1)
		go func(p *supervisor.Process) {
			defer wg.Done()
			if err := p.Stop(hard); err != nil {
				b.Logger.Error("process_stop_failed", "process", p.String(), "pid", p.Pid(), "error", err)
			}
		}(p)
	}
	wg.Wait()
}

// outputPath resolves a relative path against the output directory.
func (b *BaseTest) outputPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(b.Output, path)
}
