package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/randomizedcoder/go-procsuite/internal/descriptor"
	"github.com/randomizedcoder/go-procsuite/internal/logging"
	"github.com/randomizedcoder/go-procsuite/internal/outcome"
)

// corePrefix marks core dump files in a test's output directory.
const corePrefix = "core"

// Result is the finished record of one container run.
type Result struct {
	ID        string
	Title     string
	Index     int
	Cycle     int
	Outcome   outcome.Kind
	Reason    string
	Records   []outcome.Record
	Duration  time.Duration
	OutputDir string
	States    []State

	// Log holds the test's console lines when console output is buffered.
	// The runner drains it when the result is reported.
	Log *logging.LineBuffer
}

// Container runs a single (test, cycle) pair.
type Container struct {
	desc     *descriptor.Descriptor
	index    int
	cycle    int
	run      *RunContext
	registry *Registry

	mu     sync.Mutex
	state  State
	states []State
	start  time.Time

	base   *BaseTest
	buffer *logging.LineBuffer
}

// New creates a container for desc. index is the submission order and
// cycle is zero-based.
func New(desc *descriptor.Descriptor, index, cycle int, run *RunContext, registry *Registry) *Container {
	return &Container{
		desc:     desc,
		index:    index,
		cycle:    cycle,
		run:      run.withDefaults(),
		registry: registry,
		state:    StateCreated,
		states:   []State{StateCreated},
	}
}

// ID returns the test id.
func (c *Container) ID() string {
	return c.desc.ID
}

// Descriptor returns the descriptor the container runs.
func (c *Container) Descriptor() *descriptor.Descriptor {
	return c.desc
}

// Index returns the submission index.
func (c *Container) Index() int {
	return c.index
}

// Cycle returns the zero-based cycle.
func (c *Container) Cycle() int {
	return c.cycle
}

// State returns the current lifecycle state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Started returns when Run began, or the zero time.
func (c *Container) Started() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start
}

func (c *Container) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.states = append(c.states, s)
	c.mu.Unlock()
}

// OutputDir returns the directory this container writes to:
// <output>/<outsubdir>, plus cycleN when running more than one cycle.
func (c *Container) OutputDir() string {
	dir := c.desc.Output
	if c.run.OutSubDir != "" {
		dir = filepath.Join(dir, c.run.OutSubDir)
	}
	if c.run.Cycles > 1 {
		dir = filepath.Join(dir, fmt.Sprintf("cycle%d", c.cycle+1))
	}
	return dir
}

// Run executes the test to completion and returns its result. Run never
// returns an error and never panics on behalf of the test: every failure
// becomes a verdict. Cancelling ctx hard-stops the test's processes.
func (c *Container) Run(ctx context.Context) *Result {
	c.mu.Lock()
	c.start = time.Now()
	c.mu.Unlock()

	outDir := c.OutputDir()
	base := newBaseTest(c.desc, c.cycle, outDir, c.run)
	c.base = base

	if err := c.prepareOutput(outDir); err != nil {
		return c.blocked(fmt.Sprintf("Unable to create output directory %s: %v", outDir, err))
	}

	var console io.Writer = c.run.Console
	if c.run.BufferConsole && console != nil {
		c.buffer = logging.NewLineBuffer(0)
		console = c.buffer
	}
	logger, closer, err := logging.OpenTestLog(outDir, console, c.run.LogFormat, c.run.LogLevel)
	if err != nil {
		return c.blocked(fmt.Sprintf("Unable to open test log: %v", err))
	}
	base.Logger = logger.With("test_id", c.desc.ID, "cycle", c.cycle+1)
	base.Logger.Info("test_started",
		"title", c.desc.Title,
		"class", c.desc.Class,
		"output", outDir,
	)

	test, loaded := c.load(base)

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(interrupted)
		base.Logger.Warn("test_interrupted")
		base.stopProcesses(true)
	})

	switch {
	case !c.desc.Runnable():
		c.skip(base, c.skipReason())
	case !c.desc.SupportsMode(c.run.Mode):
		c.skip(base, fmt.Sprintf("mode %q not supported", c.run.Mode))
	case !loaded:
		base.Logger.Warn("test_not_executed", "reason", "load failed")
	default:
		c.execute(ctx, base, test)
		c.detectCores(base, outDir)
	}

	if !stop() {
		<-interrupted
	}
	c.setState(StateCleaningUp)
	base.cleanup(base.Outcome().IsFailure())

	res := c.finish()
	base.Logger.Info("test_final_outcome",
		"outcome", res.Outcome.String(),
		"reason", res.Reason,
		"duration", res.Duration.String(),
	)

	if err := closer.Close(); err != nil {
		c.run.Logger.Warn("test_log_close_failed", "test_id", c.desc.ID, "error", err)
	}
	if c.run.Purge {
		if err := purge(outDir, res.Outcome == outcome.Passed); err != nil {
			c.run.Logger.Warn("purge_failed", "test_id", c.desc.ID, "error", err)
		}
	}
	return res
}

// prepareOutput creates the output directory. The outsubdir is emptied on
// the first cycle so results of earlier runs never leak into this one.
func (c *Container) prepareOutput(outDir string) error {
	if c.cycle == 0 {
		root := c.desc.Output
		if c.run.OutSubDir != "" {
			root = filepath.Join(root, c.run.OutSubDir)
		}
		if err := os.RemoveAll(root); err != nil {
			return err
		}
	}
	return os.MkdirAll(outDir, 0o755)
}

// load builds the test. On failure it records Blocked and returns the
// BaseTest with loaded false; the test then goes straight to cleanup.
func (c *Container) load(base *BaseTest) (test Test, loaded bool) {
	fail := func(reason string) (Test, bool) {
		c.setState(StateLoadFailed)
		base.Logger.Error("test_load_failed", "class", c.desc.Class, "error", reason)
		base.AddOutcome(outcome.Blocked, "Failed to load test: "+reason, false)
		return base, false
	}

	defer func() {
		if r := recover(); r != nil {
			test, loaded = fail(fmt.Sprintf("panic: %v", r))
		}
	}()

	if c.registry == nil {
		return fail("no test registry")
	}
	factory, err := c.registry.Lookup(c.desc.Class)
	if err != nil {
		return fail(err.Error())
	}
	t, err := factory(base)
	if err != nil {
		return fail(err.Error())
	}
	if t == nil {
		return fail("factory returned no test")
	}

	c.setState(StateLoaded)
	return t, true
}

func (c *Container) skipReason() string {
	if c.desc.SkippedReason != "" {
		return c.desc.SkippedReason
	}
	return "test is not runnable"
}

func (c *Container) skip(base *BaseTest, reason string) {
	c.setState(StateSkipped)
	base.Logger.Info("test_skipped", "reason", reason)
	base.AddOutcome(outcome.Skipped, reason, false)
}

// execute runs setup, execute and validate, stopping at the first phase
// that does not complete.
func (c *Container) execute(ctx context.Context, base *BaseTest, test Test) {
	c.setState(StateExecuting)

	if s, ok := test.(Setuper); ok {
		if !c.runPhase(ctx, base, "setup", s.Setup) {
			return
		}
	}
	if !c.runPhase(ctx, base, "execute", test.Execute) {
		return
	}

	c.setState(StateValidating)
	c.runPhase(ctx, base, "validate", test.Validate)
}

// runPhase calls fn and turns its error or panic into a verdict. It
// returns false if the test should proceed directly to cleanup.
func (c *Container) runPhase(ctx context.Context, base *BaseTest, name string, fn func(context.Context) error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			base.Logger.Error("test_phase_panic",
				"phase", name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			base.AddOutcome(outcome.Blocked, fmt.Sprintf("%s panicked: %v", name, r), false)
			ok = false
		}
	}()

	err := fn(ctx)
	if err == nil {
		return true
	}

	if abort, isAbort := outcome.AsAbort(err); isAbort {
		base.Logger.Warn("test_aborted",
			"phase", name,
			"outcome", abort.Kind.String(),
			"reason", abort.Reason,
		)
		base.overrideOutcome(abort.Kind, abort.Reason)
		return false
	}

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		base.AddOutcome(outcome.Blocked, "test interrupted during "+name, false)
		return false
	}

	base.Logger.Error("test_phase_failed", "phase", name, "error", err)
	base.AddOutcome(outcome.Blocked, err.Error(), false)
	return false
}

// detectCores records DumpedCore for every core file in outDir.
func (c *Container) detectCores(base *BaseTest, outDir string) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		base.Logger.Warn("core_scan_failed", "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), corePrefix) {
			base.AddOutcome(outcome.DumpedCore, "core dumped: "+e.Name(), false)
		}
	}
}

// blocked finishes a container that could not get as far as loading.
func (c *Container) blocked(reason string) *Result {
	c.setState(StateBlocked)
	c.run.Logger.Error("test_blocked", "test_id", c.desc.ID, "cycle", c.cycle+1, "reason", reason)
	c.base.AddOutcome(outcome.Blocked, reason, false)
	return c.finish()
}

func (c *Container) finish() *Result {
	c.setState(StateDone)
	kind, reason, records := c.base.snapshot()

	c.mu.Lock()
	states := make([]State, len(c.states))
	copy(states, c.states)
	duration := time.Since(c.start)
	c.mu.Unlock()

	return &Result{
		ID:        c.desc.ID,
		Title:     c.desc.Title,
		Index:     c.index,
		Cycle:     c.cycle,
		Outcome:   kind,
		Reason:    reason,
		Records:   records,
		Duration:  duration,
		OutputDir: c.base.Output,
		States:    states,
		Log:       c.buffer,
	}
}

// purge trims outDir after a test. A passing test keeps only run.log;
// any other test loses only its empty files.
func purge(outDir string, passed bool) error {
	keep := filepath.Join(outDir, logging.TestLogFile)
	var dirs []string
	var errs []error

	err := filepath.WalkDir(outDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != outDir {
				dirs = append(dirs, path)
			}
			return nil
		}
		if path == keep {
			return nil
		}
		if !passed {
			info, err := d.Info()
			if err != nil || info.Size() > 0 {
				return nil
			}
		}
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}

	if passed {
		// Deepest first so parents are empty by the time they are reached.
		sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
		for _, dir := range dirs {
			if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
