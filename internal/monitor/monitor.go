// Package monitor samples CPU and memory usage of a running process into a
// tab-separated file until the process exits or the monitor is stopped.
package monitor

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

// ErrUnsupported is returned on platforms without a process sampler.
var ErrUnsupported = errors.New("process monitoring not supported on this platform")

// DefaultInterval is used when Options.Interval is zero.
const DefaultInterval = time.Second

// Header is the first line of every monitor file.
const Header = "# time\tcpu_percent\tcpu_seconds\trss_kb\tvsz_kb\tthreads"

// Sample is one observation of a process.
type Sample struct {
	Time       time.Time
	CPUSeconds float64
	RSSKB      int64
	VSZKB      int64
	Threads    int
}

type sampler interface {
	sample() (Sample, error)
}

// Options controls a Monitor.
type Options struct {
	Interval time.Duration
	Path     string // TSV output file
	Logger   *slog.Logger
}

// Monitor is a running sampler goroutine.
type Monitor struct {
	pid    int
	opts   Options
	logger *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	samples int
}

// Start begins sampling pid every opts.Interval into opts.Path.
func Start(pid int, opts Options) (*Monitor, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s, err := newSampler(pid)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create monitor dir: %w", err)
	}
	f, err := os.Create(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("create monitor file: %w", err)
	}
	if _, err := fmt.Fprintln(f, Header); err != nil {
		f.Close()
		return nil, err
	}

	m := &Monitor{
		pid:    pid,
		opts:   opts,
		logger: opts.Logger.With("pid", pid),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	m.logger.Debug("monitor_started", "interval", opts.Interval.String(), "path", opts.Path)
	go m.run(s, f)
	return m, nil
}

func (m *Monitor) run(s sampler, f *os.File) {
	defer close(m.done)
	defer f.Close()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	var prev *Sample
	for {
		cur, err := s.sample()
		if err != nil {
			// process gone
			m.logger.Debug("monitor_process_gone", "error", err)
			return
		}

		cpuPercent := 0.0
		if prev != nil {
			if wall := cur.Time.Sub(prev.Time).Seconds(); wall > 0 {
				cpuPercent = (cur.CPUSeconds - prev.CPUSeconds) / wall * 100
			}
		}
		_, err = fmt.Fprintf(f, "%s\t%.1f\t%.2f\t%d\t%d\t%d\n",
			cur.Time.Format(time.RFC3339),
			cpuPercent,
			cur.CPUSeconds,
			cur.RSSKB,
			cur.VSZKB,
			cur.Threads,
		)
		if err != nil {
			m.logger.Warn("monitor_write_failed", "error", err)
			return
		}
		m.mu.Lock()
		m.samples++
		m.mu.Unlock()
		prev = &cur

		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends sampling and waits for the goroutine. It is idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
}

// Done is closed when the sampler goroutine has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Samples returns how many lines have been written.
func (m *Monitor) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples
}

// Pid returns the monitored pid.
func (m *Monitor) Pid() int {
	return m.pid
}

var errProcessExited = errors.New("process exited")
