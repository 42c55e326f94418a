// Package waiter provides blocking, timeout-bounded polling waits for files,
// sockets and log patterns. A wait can be linked to a process so it fails
// fast when that process exits.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Sentinel errors.
var (
	ErrTimeout         = errors.New("wait timed out")
	ErrProcessExited   = errors.New("process exited during wait")
	ErrErrorExpression = errors.New("error expression matched")
)

// Default poll intervals and timeouts.
const (
	FilePollInterval   = 10 * time.Millisecond
	SocketPollInterval = 10 * time.Millisecond
	SignalPollInterval = 250 * time.Millisecond

	DefaultFileTimeout   = 30 * time.Second
	DefaultSocketTimeout = 60 * time.Second
	DefaultSignalTimeout = 60 * time.Second

	// slowWaitThreshold is the elapsed time above which a successful wait
	// is logged, to make slow fixtures visible.
	slowWaitThreshold = 10 * time.Second
)

// Process is the part of a supervised process a wait can be linked to.
type Process interface {
	Running() bool
	String() string
}

// Options controls a single wait.
type Options struct {
	Timeout      time.Duration // 0 uses the per-wait default
	PollInterval time.Duration // 0 uses the per-wait default
	Process      Process       // optional; the wait fails once it has exited
	Logger       *slog.Logger
}

func (o Options) withDefaults(timeout, poll time.Duration) Options {
	if o.Timeout <= 0 {
		o.Timeout = timeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = poll
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// TimeoutError is returned when a wait's deadline passes.
type TimeoutError struct {
	Message string
	Elapsed time.Duration
}

// Error implements error.
func (e *TimeoutError) Error() string {
	return e.Message
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ProcessExitedError is returned when the linked process exits first.
type ProcessExitedError struct {
	Process string
	Waiting string
}

// Error implements error.
func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("%s terminated while waiting for %s", e.Process, e.Waiting)
}

// Is reports whether target is ErrProcessExited.
func (e *ProcessExitedError) Is(target error) bool {
	return target == ErrProcessExited
}

// poller runs check every interval until it reports done, the deadline
// passes, the linked process exits or ctx is cancelled.
type poller struct {
	opts    Options
	waiting string
	start   time.Time
}

func newPoller(opts Options, waiting string) *poller {
	return &poller{opts: opts, waiting: waiting, start: time.Now()}
}

// run calls check until it returns done or an error. onTimeout builds the
// timeout message from the elapsed whole seconds.
func (p *poller) run(ctx context.Context, check func() (bool, error), onTimeout func(secs int) string) error {
	deadline := p.start.Add(p.opts.Timeout)

	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			p.logSlow()
			return nil
		}

		if proc := p.opts.Process; proc != nil && !proc.Running() {
			p.opts.Logger.Warn("wait_process_exited",
				"process", proc.String(),
				"waiting_for", p.waiting,
			)
			return &ProcessExitedError{Process: proc.String(), Waiting: p.waiting}
		}

		if !time.Now().Before(deadline) {
			elapsed := time.Since(p.start)
			return &TimeoutError{
				Message: onTimeout(int(elapsed.Round(time.Second) / time.Second)),
				Elapsed: elapsed,
			}
		}

		timer := time.NewTimer(p.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *poller) logSlow() {
	if elapsed := time.Since(p.start); elapsed > slowWaitThreshold {
		p.opts.Logger.Info("wait_completed",
			"waiting_for", p.waiting,
			"elapsed", elapsed.Round(time.Millisecond).String(),
		)
	}
}
