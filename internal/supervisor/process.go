package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sentinel errors.
var (
	ErrStart       = errors.New("process start failed")
	ErrTimeout     = errors.New("process timed out")
	ErrNotRunning  = errors.New("process not running")
	ErrStop        = errors.New("process could not be stopped")
	ErrUnsupported = errors.New("operation not supported")
)

const (
	// waitPollInterval is how often Wait checks for exit.
	waitPollInterval = 50 * time.Millisecond

	// stopGracePeriod bounds how long Stop waits after a graceful
	// termination before escalating to a hard kill.
	stopGracePeriod = 5 * time.Second

	// DefaultStopTimeout is used when Config.StopTimeout is zero.
	DefaultStopTimeout = 30 * time.Second
)

// Callbacks contains optional callback functions for process events.
// Callbacks run synchronously and must not call back into the Process.
type Callbacks struct {
	// OnStart is called after the process is spawned.
	OnStart func(name string, pid int)

	// OnExit is called once, when the exit status is first observed.
	OnExit func(name string, exitStatus int, uptime time.Duration)
}

// Config holds configuration for creating a new Process.
type Config struct {
	Command    string
	Args       []string
	Env        map[string]string // nil or empty uses DefaultEnv()
	WorkingDir string

	Mode    Mode
	Timeout time.Duration // foreground only; 0 = wait forever

	// Stdout and Stderr are file paths. Empty discards the stream.
	Stdout string
	Stderr string

	DisplayName string
	StopTimeout time.Duration

	Logger    *slog.Logger
	Spawner   Spawner
	Callbacks Callbacks
}

// Process supervises one OS process.
//
// pid and exit status are written once. A single mutex covers the exit
// transition and handle teardown so Running, Stop and Wait can race safely.
type Process struct {
	cfg     Config
	name    string
	logger  *slog.Logger
	spawner Spawner

	mu          sync.Mutex
	handle      Handle
	pid         int
	status      Status
	exitStatus  int
	startTime   time.Time
	stdinClosed bool
	outputs     []*os.File

	// stdin queue
	queueMu       sync.Mutex
	queue         []stdinItem
	notify        chan struct{}
	writerStarted bool
	writerDone    chan struct{}
}

// New creates a Process. It does not spawn anything until Start.
func New(cfg Config) *Process {
	name := cfg.DisplayName
	if name == "" {
		name = filepath.Base(cfg.Command)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	spawner := cfg.Spawner
	if spawner == nil {
		spawner = DefaultSpawner()
	}

	if len(cfg.Env) == 0 {
		cfg.Env = DefaultEnv()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	return &Process{
		cfg:     cfg,
		name:    name,
		logger:  logger.With("process", name),
		spawner: spawner,
		notify:  make(chan struct{}, 1),
	}
}

// Start spawns the process.
//
// In Foreground mode it then blocks until exit or Timeout. On timeout it
// returns an error matching ErrTimeout and leaves the process running.
func (p *Process) Start() error {
	p.mu.Lock()
	if p.status != StatusCreated {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s already started", ErrStart, p.name)
	}

	if p.cfg.WorkingDir != "" {
		info, err := os.Stat(p.cfg.WorkingDir)
		if err != nil || !info.IsDir() {
			p.mu.Unlock()
			return fmt.Errorf("%w: %s: working directory %s does not exist", ErrStart, p.name, p.cfg.WorkingDir)
		}
	}

	stdout, err := openOutput(p.cfg.Stdout)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrStart, p.name, err)
	}
	stderr, err := openOutput(p.cfg.Stderr)
	if err != nil {
		closeFiles(stdout)
		p.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrStart, p.name, err)
	}

	handle, err := p.spawner.Spawn(Spec{
		Command: p.cfg.Command,
		Args:    p.cfg.Args,
		Env:     envList(p.cfg.Env),
		Dir:     p.cfg.WorkingDir,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	if err != nil {
		closeFiles(stdout, stderr)
		p.mu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrStart, p.name, err)
	}

	p.handle = handle
	p.pid = handle.Pid()
	p.status = StatusRunning
	p.startTime = time.Now()
	p.outputs = []*os.File{stdout, stderr}
	pid := p.pid
	p.mu.Unlock()

	p.logger.Info("process_started",
		"pid", pid,
		"command", p.cfg.Command,
		"mode", p.cfg.Mode.String(),
	)

	if p.cfg.Callbacks.OnStart != nil {
		p.cfg.Callbacks.OnStart(p.name, pid)
	}

	if p.cfg.Mode == Foreground {
		return p.Wait(p.cfg.Timeout)
	}
	return nil
}

// Running reports whether the process has a pid and no observed exit.
// It never blocks on the process.
func (p *Process) Running() bool {
	p.mu.Lock()
	running, exited := p.pollLocked()
	p.mu.Unlock()

	if exited != nil {
		p.reportExit(*exited)
	}
	return running
}

type exitEvent struct {
	status int
	uptime time.Duration
}

// pollLocked checks the handle and records the exit the first time it is
// observed. The returned event is non-nil only on that first observation.
func (p *Process) pollLocked() (bool, *exitEvent) {
	if p.status != StatusRunning {
		return false, nil
	}

	status, exited := p.handle.Poll()
	if !exited {
		return true, nil
	}

	p.status = StatusExited
	p.exitStatus = status
	p.closeStdinLocked()
	if err := p.handle.Release(); err != nil {
		p.logger.Warn("process_release_failed", "pid", p.pid, "error", err)
	}
	closeFiles(p.outputs...)
	p.outputs = nil

	return false, &exitEvent{status: status, uptime: time.Since(p.startTime)}
}

func (p *Process) reportExit(ev exitEvent) {
	p.logger.Info("process_exited",
		"pid", p.Pid(),
		"exit_status", ev.status,
		"uptime", ev.uptime.String(),
	)
	if p.cfg.Callbacks.OnExit != nil {
		p.cfg.Callbacks.OnExit(p.name, ev.status, ev.uptime)
	}
}

// Pid returns the process id, or 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// ExitStatus returns the exit status once the exit has been observed.
// A process killed by signal N reports 128+N.
func (p *Process) ExitStatus() (int, bool) {
	p.Running()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus, p.status == StatusExited
}

// Status returns the lifecycle status.
func (p *Process) Status() Status {
	p.Running()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Mode returns the configured mode.
func (p *Process) Mode() Mode {
	return p.cfg.Mode
}

// String returns the display name.
func (p *Process) String() string {
	return p.name
}

// Stop terminates the process group. It is a no-op if the process is not
// running. A graceful stop escalates to a hard kill after a grace period.
func (p *Process) Stop(hard bool) error {
	if !p.Running() {
		return nil
	}

	p.logger.Info("process_stopping", "pid", p.Pid(), "hard", hard)

	if !hard {
		grace := stopGracePeriod
		if p.cfg.StopTimeout < grace {
			grace = p.cfg.StopTimeout
		}
		if err := p.terminate(false); err != nil {
			p.logger.Warn("process_terminate_failed", "pid", p.Pid(), "error", err)
		} else if p.Wait(grace) == nil {
			return nil
		}
		p.logger.Warn("process_stop_escalating", "pid", p.Pid(), "grace", grace.String())
	}

	if err := p.terminate(true); err != nil {
		p.logger.Warn("process_kill_failed", "pid", p.Pid(), "error", err)
	}

	if err := p.Wait(p.cfg.StopTimeout); err != nil {
		return fmt.Errorf("%w: %s (pid %d) still running after %s", ErrStop, p.name, p.Pid(), p.cfg.StopTimeout)
	}
	return nil
}

func (p *Process) terminate(hard bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusRunning {
		return nil
	}
	return p.handle.Terminate(hard)
}

// Signal delivers sig to the process.
func (p *Process) Signal(sig os.Signal) error {
	if !p.Running() {
		return fmt.Errorf("%w: cannot signal %s", ErrNotRunning, p.name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusRunning {
		return fmt.Errorf("%w: cannot signal %s", ErrNotRunning, p.name)
	}
	if err := p.handle.Signal(sig); err != nil {
		return fmt.Errorf("signal %s: %w", p.name, err)
	}
	return nil
}

// Wait polls until the process exits or timeout elapses. A zero timeout
// waits forever. It never kills the process.
func (p *Process) Wait(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for p.Running() {
		if timeout > 0 && !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, p.name, timeout)
		}
		time.Sleep(waitPollInterval)
	}
	return nil
}

// openOutput opens path for writing, truncating it. Empty path returns nil.
func openOutput(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
