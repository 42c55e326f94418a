package container

import (
	"io"
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-procsuite/internal/portpool"
	"github.com/randomizedcoder/go-procsuite/internal/supervisor"
)

// Default values applied by RunContext.withDefaults.
const (
	DefaultTimeout   = 600 * time.Second
	DefaultLogFormat = "text"
	DefaultLogLevel  = "info"
)

// RunContext is the state shared by every container of one run.
// It is created once by the runner and never mutated afterwards.
type RunContext struct {
	// Ports is the shared allocator. Nil disables AllocatePort.
	Ports *portpool.Pool

	Mode      string
	OutSubDir string
	Cycles    int
	Purge     bool

	// DefaultTimeout bounds foreground processes that set no timeout.
	DefaultTimeout time.Duration
	StopTimeout    time.Duration

	// DefaultAbortOnError is the abort behaviour test kinds use when a
	// step does not choose one.
	DefaultAbortOnError bool

	LogFormat string
	LogLevel  string

	// Console receives each test's log lines in addition to run.log.
	// Nil writes run.log only.
	Console io.Writer

	// BufferConsole captures console lines per test so the runner can
	// replay them in submission order.
	BufferConsole bool

	Spawner          supervisor.Spawner
	ProcessCallbacks supervisor.Callbacks

	// Logger receives run-level events (not per-test output).
	Logger *slog.Logger
}

func (rc *RunContext) withDefaults() *RunContext {
	out := RunContext{}
	if rc != nil {
		out = *rc
	}
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = DefaultTimeout
	}
	if out.StopTimeout <= 0 {
		out.StopTimeout = supervisor.DefaultStopTimeout
	}
	if out.LogFormat == "" {
		out.LogFormat = DefaultLogFormat
	}
	if out.LogLevel == "" {
		out.LogLevel = DefaultLogLevel
	}
	if out.Cycles < 1 {
		out.Cycles = 1
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &out
}
