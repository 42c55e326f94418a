// Package runner schedules test containers over cycles, runs them serially
// or on a worker pool, and reports their results strictly in submission
// order regardless of completion order.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-procsuite/internal/container"
	"github.com/randomizedcoder/go-procsuite/internal/descriptor"
	"github.com/randomizedcoder/go-procsuite/internal/outcome"
	"github.com/randomizedcoder/go-procsuite/internal/workerpool"
)

// ErrInterrupted is returned by Start when Interrupt stopped the run.
var ErrInterrupted = errors.New("run interrupted")

// Observer receives run events, typically for metrics.
// Methods are called from the runner's goroutines and must be safe for
// concurrent use.
type Observer interface {
	RunStarted(runID string, total int)
	TestStarted(id string, cycle int)
	TestCompleted(res *container.Result)
	WorkersChanged(n int)
}

// Hooks are optional lifecycle callbacks. TestComplete and CycleComplete
// are called in submission order from the goroutine running Start.
type Hooks struct {
	Setup         func(ctx context.Context) error
	TestComplete  func(res *container.Result)
	CycleComplete func(cycle int, results []*container.Result)
	Cleanup       func()
}

// Config holds configuration for a Runner.
type Config struct {
	Threads   int
	Cycles    int
	Mode      string
	OutSubDir string
	Purge     bool

	Registry *container.Registry

	// RunContext supplies the port pool and defaults shared by every
	// container. Mode, OutSubDir, Cycles, Purge and the console fields
	// are filled in from this Config.
	RunContext container.RunContext

	Interrupt InterruptPolicy
	Prompter  Prompter
	Observer  Observer
	Hooks     Hooks

	// Console receives each test's log lines. With more than one thread
	// they are buffered and written when the test is reported.
	Console io.Writer

	Logger    *slog.Logger
	LogFormat string

	// RunID identifies the run. Empty generates a random one.
	RunID string
}

// RunningTest describes a test currently executing.
type RunningTest struct {
	ID      string
	Cycle   int
	Started time.Time
	State   container.State
}

// Progress is a point-in-time view of a run.
type Progress struct {
	RunID       string
	Total       int
	Completed   int
	Counts      map[outcome.Kind]int
	Running     []RunningTest
	Interrupted bool
}

// Runner executes a set of tests.
type Runner struct {
	cfg    Config
	logger *slog.Logger
	run    *container.RunContext
	obs    Observer
	runID  string

	mu          sync.Mutex
	total       int
	completed   int
	counts      map[outcome.Kind]int
	running     map[int]*container.Container
	interrupted bool
	cancel      context.CancelFunc
	pool        *workerpool.Pool
	reqIndex    map[*workerpool.Request]int
	cancelled   []int
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if cfg.Cycles < 1 {
		cfg.Cycles = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}

	rc := cfg.RunContext
	rc.Mode = cfg.Mode
	rc.OutSubDir = cfg.OutSubDir
	rc.Cycles = cfg.Cycles
	rc.Purge = cfg.Purge
	rc.Console = cfg.Console
	rc.BufferConsole = cfg.Threads > 1
	if rc.LogFormat == "" {
		rc.LogFormat = cfg.LogFormat
	}
	if rc.Logger == nil {
		rc.Logger = cfg.Logger
	}

	obs := cfg.Observer
	if obs == nil {
		obs = noopObserver{}
	}

	return &Runner{
		cfg:      cfg,
		logger:   cfg.Logger.With("run_id", cfg.RunID),
		run:      &rc,
		obs:      obs,
		runID:    cfg.RunID,
		counts:   make(map[outcome.Kind]int),
		running:  make(map[int]*container.Container),
		reqIndex: make(map[*workerpool.Request]int),
	}
}

// RunID returns the run identifier.
func (r *Runner) RunID() string {
	return r.runID
}

// Start runs every descriptor once per cycle and returns the report. If
// the run is interrupted it returns the partial report and ErrInterrupted.
func (r *Runner) Start(ctx context.Context, descs []*descriptor.Descriptor) (*Report, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.cancel = cancel
	r.total = len(descs) * r.cfg.Cycles
	r.mu.Unlock()

	report := newReport(r.runID, r.cfg.Cycles)
	r.obs.RunStarted(r.runID, len(descs)*r.cfg.Cycles)
	r.logger.Info("run_started",
		"tests", len(descs),
		"cycles", r.cfg.Cycles,
		"threads", r.cfg.Threads,
		"mode", r.cfg.Mode,
	)

	if r.cfg.Hooks.Setup != nil {
		if err := r.cfg.Hooks.Setup(runCtx); err != nil {
			report.Duration = time.Since(report.Start)
			return report, fmt.Errorf("setup hook: %w", err)
		}
	}

	var pool *workerpool.Pool
	if r.cfg.Threads > 1 {
		pool = workerpool.New(r.cfg.Threads, r.logger)
		defer pool.Close()
		r.mu.Lock()
		r.pool = pool
		r.mu.Unlock()
	}
	r.obs.WorkersChanged(r.cfg.Threads)

	index := 0
	for cycle := 0; cycle < r.cfg.Cycles; cycle++ {
		if r.isInterrupted() {
			break
		}

		containers := make([]*container.Container, len(descs))
		for i, d := range descs {
			containers[i] = container.New(d, index, cycle, r.run, r.cfg.Registry)
			index++
		}

		var results []*container.Result
		if pool != nil {
			results = r.runParallel(runCtx, pool, containers, report)
		} else {
			results = r.runSerial(runCtx, containers, report)
		}

		r.logger.Info("cycle_complete", "cycle", cycle+1, "reported", len(results))
		if r.cfg.Hooks.CycleComplete != nil {
			r.cfg.Hooks.CycleComplete(cycle, results)
		}
	}

	report.Duration = time.Since(report.Start)
	report.Interrupted = r.isInterrupted()
	r.logSummary(report)

	if r.cfg.Hooks.Cleanup != nil {
		r.cfg.Hooks.Cleanup()
	}
	r.obs.WorkersChanged(0)

	if report.Interrupted {
		return report, ErrInterrupted
	}
	return report, nil
}

func (r *Runner) runSerial(ctx context.Context, containers []*container.Container, report *Report) []*container.Result {
	var out []*container.Result
	for _, c := range containers {
		if r.isInterrupted() {
			break
		}
		res := r.runContainer(ctx, c)
		r.reportResult(res, report)
		out = append(out, res)
	}
	return out
}

func (r *Runner) runParallel(ctx context.Context, pool *workerpool.Pool, containers []*container.Container, report *Report) []*container.Result {
	if len(containers) == 0 {
		return nil
	}

	var out []*container.Result
	emit := func(res *container.Result) {
		r.reportResult(res, report)
		out = append(out, res)
	}

	buf := newReorderBuffer(containers[0].Index())
	processed := 0
	for _, c := range containers {
		c := c // per-iteration copy; closures below capture c (pre-Go 1.22 loop semantics)
		if r.isInterrupted() {
			break
		}
		processed++

		req := &workerpool.Request{
			ID: fmt.Sprintf("%s#%d", c.ID(), c.Index()),
			Callable: func() (any, error) {
				return r.runContainer(ctx, c), nil
			},
			OnComplete: func(_ *workerpool.Request, v any) {
				buf.add(c.Index(), v.(*container.Result))
			},
			OnError: func(_ *workerpool.Request, err error) {
				buf.add(c.Index(), r.blockedResult(c, err))
			},
		}

		r.mu.Lock()
		r.reqIndex[req] = c.Index()
		r.mu.Unlock()

		if err := pool.Put(req); err != nil {
			r.logger.Error("submit_failed", "test_id", c.ID(), "error", err)
			buf.add(c.Index(), r.blockedResult(c, err))
		}
	}
	for i := processed; i < len(containers); i++ {
		buf.skip(containers[i].Index())
	}

	for {
		_, err := pool.Poll(true)
		for _, idx := range r.takeCancelled() {
			buf.skip(idx)
		}
		buf.flush(emit)

		if errors.Is(err, workerpool.ErrNoResultsPending) {
			break
		}
		if err != nil {
			r.logger.Error("drain_failed", "error", err)
			break
		}
	}
	buf.flushAll(emit)

	r.mu.Lock()
	clear(r.reqIndex)
	r.mu.Unlock()
	return out
}

// runContainer runs c, converting anything that escapes it into Blocked.
func (r *Runner) runContainer(ctx context.Context, c *container.Container) (res *container.Result) {
	r.mu.Lock()
	r.running[c.Index()] = c
	r.mu.Unlock()
	r.obs.TestStarted(c.ID(), c.Cycle())

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("container_panic", "test_id", c.ID(), "panic", fmt.Sprint(rec))
			res = r.blockedResult(c, fmt.Errorf("panic: %v", rec))
		}
		r.mu.Lock()
		delete(r.running, c.Index())
		r.mu.Unlock()
	}()

	return c.Run(ctx)
}

func (r *Runner) blockedResult(c *container.Container, err error) *container.Result {
	reason := outcome.SanitizeReason(err.Error())
	var duration time.Duration
	if started := c.Started(); !started.IsZero() {
		duration = time.Since(started)
	}
	return &container.Result{
		ID:        c.ID(),
		Title:     c.Descriptor().Title,
		Index:     c.Index(),
		Cycle:     c.Cycle(),
		Outcome:   outcome.Blocked,
		Reason:    reason,
		Records:   []outcome.Record{{Kind: outcome.Blocked, Reason: reason, Time: time.Now()}},
		Duration:  duration,
		OutputDir: c.OutputDir(),
		States:    []container.State{container.StateBlocked, container.StateDone},
	}
}

// reportResult is called once per result, in submission order.
func (r *Runner) reportResult(res *container.Result, report *Report) {
	if res.Log != nil && r.cfg.Console != nil {
		if err := res.Log.Drain(r.cfg.Console); err != nil {
			r.logger.Warn("log_replay_failed", "test_id", res.ID, "error", err)
		}
	}

	r.mu.Lock()
	r.completed++
	r.counts[res.Outcome]++
	r.mu.Unlock()

	r.obs.TestCompleted(res)
	if r.cfg.Hooks.TestComplete != nil {
		r.cfg.Hooks.TestComplete(res)
	}
	report.add(res)

	r.logger.Info("test_complete",
		"test_id", res.ID,
		"cycle", res.Cycle+1,
		"outcome", res.Outcome.String(),
		"duration", res.Duration.Round(time.Millisecond).String(),
	)
}

func (r *Runner) logSummary(report *Report) {
	nonPasses := report.NonPasses()
	r.logger.Info("run_complete",
		"tests", len(report.Tests),
		"non_passes", len(nonPasses),
		"interrupted", report.Interrupted,
		"duration", report.Duration.Round(time.Millisecond).String(),
	)
	for _, t := range nonPasses {
		r.logger.Warn("test_not_passed",
			"cycle", t.Cycle+1,
			"outcome", t.Outcome.String(),
			"test_id", t.ID,
			"reason", t.Reason,
		)
	}
}

// Interrupt stops the run according to the configured policy. A second
// interrupt always aborts.
func (r *Runner) Interrupt() {
	r.mu.Lock()
	already := r.interrupted
	r.mu.Unlock()

	policy := r.cfg.Interrupt
	switch {
	case already:
		policy = InterruptAbort
	case policy == InterruptPrompt:
		if r.cfg.Prompter != nil {
			answer, err := r.cfg.Prompter.Prompt(continuePrompt)
			if err == nil && answeredYes(answer) {
				r.logger.Info("run_continuing")
				return
			}
		}
		policy = InterruptDrain
	}

	r.mu.Lock()
	r.interrupted = true
	pool := r.pool
	cancel := r.cancel
	r.mu.Unlock()

	r.logger.Warn("run_interrupted", "policy", policy.String())

	if pool != nil {
		cancelled := pool.CancelQueued()
		r.mu.Lock()
		for _, req := range cancelled {
			if idx, ok := r.reqIndex[req]; ok {
				r.cancelled = append(r.cancelled, idx)
			}
		}
		r.mu.Unlock()
	}
	if policy == InterruptAbort && cancel != nil {
		cancel()
	}
}

func (r *Runner) isInterrupted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interrupted
}

func (r *Runner) takeCancelled() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.cancelled
	r.cancelled = nil
	return out
}

// Progress returns a snapshot of the run for display.
func (r *Runner) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[outcome.Kind]int, len(r.counts))
	for k, v := range r.counts {
		counts[k] = v
	}
	running := make([]RunningTest, 0, len(r.running))
	for _, c := range r.running {
		running = append(running, RunningTest{
			ID:      c.ID(),
			Cycle:   c.Cycle(),
			Started: c.Started(),
			State:   c.State(),
		})
	}
	sort.Slice(running, func(i, j int) bool {
		return running[i].Started.Before(running[j].Started)
	})

	return Progress{
		RunID:       r.runID,
		Total:       r.total,
		Completed:   r.completed,
		Counts:      counts,
		Running:     running,
		Interrupted: r.interrupted,
	}
}

type noopObserver struct{}

func (noopObserver) RunStarted(string, int) {}
func (noopObserver) TestStarted(string, int) {}
func (noopObserver) TestCompleted(*container.Result) {}
func (noopObserver) WorkersChanged(int) {}
