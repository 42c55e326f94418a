// Package orchestrator wires the go-procsuite components together for the
// CLI: preflight, discovery, the port pool, metrics, the runner, signal
// handling, the optional TUI and the exit summary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randomizedcoder/go-procsuite/internal/config"
	"github.com/randomizedcoder/go-procsuite/internal/container"
	"github.com/randomizedcoder/go-procsuite/internal/descriptor"
	"github.com/randomizedcoder/go-procsuite/internal/logging"
	"github.com/randomizedcoder/go-procsuite/internal/metrics"
	"github.com/randomizedcoder/go-procsuite/internal/portpool"
	"github.com/randomizedcoder/go-procsuite/internal/preflight"
	"github.com/randomizedcoder/go-procsuite/internal/runner"
	"github.com/randomizedcoder/go-procsuite/internal/scripted"
	"github.com/randomizedcoder/go-procsuite/internal/stats"
	"github.com/randomizedcoder/go-procsuite/internal/tui"
)

// Process exit codes.
const (
	ExitOK       = 0
	ExitFailures = 1
	ExitSetup    = 2
)

// shutdownTimeout bounds the metrics server shutdown.
const shutdownTimeout = 10 * time.Second

// ErrNoTests is returned when discovery and selection leave nothing to run.
var ErrNoTests = errors.New("no tests selected")

// Orchestrator coordinates all components for one test run.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger

	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader

	registry      *prometheus.Registry
	collector     *metrics.Collector
	metricsServer *metrics.Server
	pool          *portpool.Pool
	runner        *runner.Runner
	durations     *stats.DurationDigest

	runID        string
	runDir       string
	snapshotPath string
	handleSignal bool
	startTime    time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithStdout sets where the summary, listings and test console go.
func WithStdout(w io.Writer) Option {
	return func(o *Orchestrator) { o.stdout = w }
}

// WithStderr sets where run-level log lines go when the TUI is off.
func WithStderr(w io.Writer) Option {
	return func(o *Orchestrator) { o.stderr = w }
}

// WithStdin sets where interrupt prompts read their answer.
func WithStdin(r io.Reader) Option {
	return func(o *Orchestrator) { o.stdin = r }
}

// WithoutSignals disables SIGINT/SIGTERM handling. Useful for testing.
func WithoutSignals() Option {
	return func(o *Orchestrator) { o.handleSignal = false }
}

// New creates a new Orchestrator with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logging.Discard()
	}
	runID := uuid.New().String()
	o := &Orchestrator{
		config:       cfg,
		logger:       logger.With("run_id", runID),
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		stdin:        os.Stdin,
		registry:     prometheus.NewRegistry(),
		durations:    stats.NewDurationDigest(),
		runID:        runID,
		runDir:       filepath.Join(cfg.OutputDir, runID),
		handleSignal: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunID returns the identifier of the run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// RunDir returns the directory holding the run log and metrics snapshot.
func (o *Orchestrator) RunDir() string {
	return o.runDir
}

// Registry returns the run's private Prometheus registry.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}

// Run executes the selected tests and returns the report. In list mode it
// prints the selection and returns a nil report.
func (o *Orchestrator) Run(ctx context.Context) (*runner.Report, error) {
	o.startTime = time.Now()

	if !o.config.SkipPreflight && !o.config.List {
		result := preflight.RunAll(preflight.Requirements{
			Threads:       o.config.Threads,
			TestRoot:      o.config.TestRoot,
			OutputDir:     o.config.OutputDir,
			ExcludedPorts: o.config.ExcludedPorts,
		})
		preflight.PrintResults(result)
		if !result.Passed {
			return nil, fmt.Errorf("preflight checks failed (use -skip-preflight to override)")
		}
	}

	descs, err := o.discover()
	if err != nil {
		return nil, err
	}

	if o.config.List {
		o.printList(descs)
		return nil, nil
	}

	policy, err := runner.ParseInterruptPolicy(o.config.Interrupt)
	if err != nil {
		return nil, err
	}
	if o.config.TUIEnabled && policy == runner.InterruptPrompt {
		// the TUI owns the terminal, so nothing can answer a prompt
		policy = runner.InterruptDrain
	}

	if err := o.setupMetrics(); err != nil {
		return nil, err
	}
	defer o.shutdownMetrics()

	var console, logConsole io.Writer = o.stdout, o.stderr
	if o.config.TUIEnabled {
		console, logConsole = nil, nil
	}
	runLogger, closer, err := logging.OpenTestLog(o.runDir, logConsole, o.config.LogFormat, o.config.LogLevel)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	o.pool = portpool.New(portpool.Config{
		ExcludedPorts:  o.config.ExcludedPorts,
		AcquireTimeout: o.config.PortAcquireTimeout,
		Backoff:        portpool.BackoffConfig{Initial: o.config.PortRetryDelay},
		Seed:           o.config.PortSeed,
		Logger:         runLogger,
		OnLease:        o.collector.PortsLeased,
	})

	registry := container.NewRegistry()
	scripted.Register(registry)

	o.runner = runner.New(runner.Config{
		Threads:   o.config.Threads,
		Cycles:    o.config.Cycles,
		Mode:      o.config.Mode,
		OutSubDir: o.config.OutSubDir,
		Purge:     o.config.Purge,
		Registry:  registry,
		RunContext: container.RunContext{
			Ports:               o.pool,
			DefaultTimeout:      o.config.DefaultTimeout,
			StopTimeout:         o.config.StopTimeout,
			DefaultAbortOnError: o.config.DefaultAbortOnError,
			LogLevel:            o.config.LogLevel,
			ProcessCallbacks:    o.collector.ProcessCallbacks(),
		},
		Interrupt: policy,
		Prompter:  runner.LinePrompter{In: o.stdin, Out: o.stdout},
		Observer:  o.collector,
		Hooks: runner.Hooks{
			Setup:        o.onSetup,
			TestComplete: o.onTestComplete,
			Cleanup:      o.onCleanup,
		},
		Console:   console,
		Logger:    runLogger,
		LogFormat: o.config.LogFormat,
		RunID:     o.runID,
	})

	o.logger.Info("run_starting",
		"tests", len(descs),
		"cycles", o.config.Cycles,
		"threads", o.config.Threads,
		"interrupt", policy.String(),
		"run_dir", o.runDir,
	)

	var finished atomic.Bool
	stopSignals := o.watchSignals()
	defer stopSignals()

	var program *tea.Program
	tuiDone := make(chan struct{})
	if o.config.TUIEnabled {
		program = o.startTUI(&finished, tuiDone)
	} else {
		close(tuiDone)
	}

	report, runErr := o.runner.Start(ctx, descs)
	finished.Store(true)

	if program != nil {
		tui.SendQuit(program)
	}
	<-tuiDone

	if o.config.SnapshotMetrics {
		path, err := metrics.WriteSnapshotFile(o.registry, o.runDir)
		if err != nil {
			o.logger.Warn("metrics_snapshot_failed", "error", err)
		} else {
			o.snapshotPath = path
		}
	}

	o.printExitSummary(report)
	return report, runErr
}

// discover loads the descriptors below the test root and applies the
// id and group selection.
func (o *Orchestrator) discover() ([]*descriptor.Descriptor, error) {
	descs, err := descriptor.Discover(o.config.TestRoot, o.config.TestIDs)
	if err != nil {
		return nil, fmt.Errorf("discover tests: %w", err)
	}
	descs = descriptor.SelectGroups(descs, o.config.Include, o.config.Exclude)
	if len(descs) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoTests, o.config.TestRoot)
	}
	o.logger.Debug("tests_discovered", "count", len(descs), "root", o.config.TestRoot)
	return descs, nil
}

// printList writes one table row per selected test.
func (o *Orchestrator) printList(descs []*descriptor.Descriptor) {
	t := table.NewWriter()
	t.SetOutputMirror(o.stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Title", "Class", "Groups", "Modes", "State"})
	for _, d := range descs {
		state := string(d.State)
		if !d.Runnable() && d.SkippedReason != "" {
			state += ": " + d.SkippedReason
		}
		t.AppendRow(table.Row{
			d.ID,
			d.Title,
			d.Class,
			strings.Join(d.Groups, ","),
			strings.Join(d.Modes, ","),
			state,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "Total", len(descs)})
	t.Render()
}

// setupMetrics creates the collector on the private registry and starts
// the HTTP server when an address is configured.
func (o *Orchestrator) setupMetrics() error {
	o.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	o.collector = metrics.NewCollectorWithRegistry(metrics.CollectorConfig{Mode: o.config.Mode}, o.registry)

	if o.config.MetricsAddr == "" {
		return nil
	}
	o.metricsServer = metrics.NewServer(o.config.MetricsAddr, o.registry, o.logger)
	if err := o.metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

func (o *Orchestrator) shutdownMetrics() {
	if o.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := o.metricsServer.Shutdown(ctx); err != nil {
		o.logger.Warn("metrics_server_shutdown_error", "error", err)
	}
}

// watchSignals maps SIGINT and SIGTERM to runner.Interrupt until the
// returned stop function is called.
func (o *Orchestrator) watchSignals() func() {
	if !o.handleSignal {
		return func() {}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-sigCh:
				o.logger.Info("received_signal", "signal", sig.String())
				o.runner.Interrupt()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// startTUI runs the dashboard until the run finishes. Quitting it early
// interrupts the run.
func (o *Orchestrator) startTUI(finished *atomic.Bool, done chan<- struct{}) *tea.Program {
	model := tui.New(tui.Config{
		Mode:           o.config.Mode,
		Threads:        o.config.Threads,
		MetricsAddr:    o.config.MetricsAddr,
		ProgressSource: o.runner,
		PortSource:     o.pool,
	})
	program := tea.NewProgram(model,
		tea.WithAltScreen(),
		tea.WithInput(o.stdin),
		tea.WithOutput(o.stdout),
	)

	go func() {
		defer close(done)
		if _, err := program.Run(); err != nil {
			o.logger.Warn("tui_failed", "error", err)
		}
		if !finished.Load() {
			o.logger.Info("tui_quit_before_completion")
			o.runner.Interrupt()
		}
	}()
	return program
}

// =============================================================================
// Runner hooks
// =============================================================================

func (o *Orchestrator) onSetup(ctx context.Context) error {
	if err := os.MkdirAll(o.runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	if o.metricsServer != nil {
		o.metricsServer.SetReady(true)
	}
	return nil
}

func (o *Orchestrator) onTestComplete(res *container.Result) {
	o.durations.Add(res.Duration)
}

func (o *Orchestrator) onCleanup() {
	if o.metricsServer != nil {
		o.metricsServer.SetReady(false)
	}
}

// =============================================================================
// Exit summary
// =============================================================================

// summaryConfig reads the process counters back from the registry.
func (o *Orchestrator) summaryConfig() stats.SummaryConfig {
	cfg := stats.SummaryConfig{
		Threads:      o.config.Threads,
		Mode:         o.config.Mode,
		Durations:    o.durations,
		SnapshotPath: o.snapshotPath,
	}
	if o.metricsServer != nil {
		cfg.MetricsAddr = o.metricsServer.Addr()
	}
	if o.pool != nil {
		cfg.PeakPorts = o.pool.Stats().Peak
	}

	families, err := o.registry.Gather()
	if err != nil {
		o.logger.Warn("metrics_gather_failed", "error", err)
		return cfg
	}
	cfg.ProcessesStarted = int(metrics.CounterValue(families, metrics.ProcessesStartedName, nil))
	cfg.ProcessExits = make(map[string]int64)
	for _, category := range []string{metrics.ExitSuccess, metrics.ExitError, metrics.ExitSignal} {
		v := metrics.CounterValue(families, metrics.ProcessExitsName, map[string]string{"category": category})
		cfg.ProcessExits[category] = int64(v)
	}
	return cfg
}

// printExitSummary prints a summary of the run.
func (o *Orchestrator) printExitSummary(report *runner.Report) {
	fmt.Fprint(o.stdout, stats.FormatExitSummary(report, o.summaryConfig()))

	s := o.collector.GenerateSummary()
	o.logger.Info("run_finished",
		"duration", time.Since(o.startTime).Round(time.Millisecond).String(),
		"peak_running", s.PeakRunning,
		"peak_processes", s.PeakProcesses,
		"peak_ports", s.PeakPorts,
		"processes_still_running", s.RunningProcesses,
	)
}

// ExitCode maps the result of Run to the process exit code: 0 when no
// test failed, 1 on failures or interruption, 2 on setup errors.
func ExitCode(report *runner.Report, err error) int {
	switch {
	case errors.Is(err, runner.ErrInterrupted):
		return ExitFailures
	case err != nil:
		return ExitSetup
	case report != nil && report.HasFailures():
		return ExitFailures
	default:
		return ExitOK
	}
}
