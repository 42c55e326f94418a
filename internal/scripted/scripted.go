// Package scripted implements the built-in test kind whose execute and
// validate phases are the step lists of its descriptor.
package scripted

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/randomizedcoder/go-procsuite/internal/condition"
	"github.com/randomizedcoder/go-procsuite/internal/container"
	"github.com/randomizedcoder/go-procsuite/internal/descriptor"
	"github.com/randomizedcoder/go-procsuite/internal/outcome"
	"github.com/randomizedcoder/go-procsuite/internal/portpool"
	"github.com/randomizedcoder/go-procsuite/internal/supervisor"
	"github.com/randomizedcoder/go-procsuite/internal/waiter"
)

// Class is the descriptor class name of the scripted test kind.
const Class = descriptor.DefaultClass

// Step actions.
const (
	ActionAllocatePort     = "allocate_port"
	ActionStart            = "start"
	ActionStop             = "stop"
	ActionSignal           = "signal"
	ActionWrite            = "write"
	ActionWaitProcess      = "wait_process"
	ActionWaitFile         = "wait_file"
	ActionWaitSocket       = "wait_socket"
	ActionWaitSignal       = "wait_signal"
	ActionMonitor          = "monitor"
	ActionExpectSignal     = "expect_signal"
	ActionExpectExitStatus = "expect_exit_status"
)

// DefaultHost is used by wait_socket steps that name no host.
const DefaultHost = "localhost"

// Register installs the scripted class in r.
func Register(r *container.Registry) {
	r.Register(Class, New)
}

// Test runs descriptor steps.
type Test struct {
	base  *container.BaseTest
	ports map[string]int
}

// New is the container.Factory for scripted tests.
func New(base *container.BaseTest) (container.Test, error) {
	for i, step := range base.Descriptor.Execute {
		if isExpectation(step.Action) {
			return nil, fmt.Errorf("execute step %d: %s is only valid in validate", i+1, step.Action)
		}
	}
	return &Test{
		base:  base,
		ports: make(map[string]int),
	}, nil
}

// Execute runs the execute steps in order and stops at the first one that
// aborts the test.
func (t *Test) Execute(ctx context.Context) error {
	for i, step := range t.base.Descriptor.Execute {
		if err := t.runStep(ctx, "execute", i, step); err != nil {
			return err
		}
	}
	return nil
}

// Validate runs the validate steps. Every expectation records Passed or
// Failed; a list without expectations leaves the test NOT VERIFIED.
func (t *Test) Validate(ctx context.Context) error {
	for i, step := range t.base.Descriptor.Validate {
		if err := t.runStep(ctx, "validate", i, step); err != nil {
			return err
		}
	}
	return nil
}

func isExpectation(action string) bool {
	return action == ActionExpectSignal || action == ActionExpectExitStatus
}

func (t *Test) runStep(ctx context.Context, phase string, i int, step descriptor.Step) error {
	t.base.Logger.Debug("step_started", "phase", phase, "step", i+1, "action", step.Action)

	err := t.dispatch(ctx, step)
	if err == nil {
		return nil
	}
	if _, ok := outcome.AsAbort(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s step %d (%s): %w", phase, i+1, step.Action, err)
}

func (t *Test) dispatch(ctx context.Context, step descriptor.Step) error {
	switch step.Action {
	case ActionAllocatePort:
		return t.allocatePort(ctx, step)
	case ActionStart:
		return t.start(ctx, step)
	case ActionStop:
		return t.stop(step)
	case ActionSignal:
		return t.signal(step)
	case ActionWrite:
		return t.write(step)
	case ActionWaitProcess:
		return t.waitProcess(step)
	case ActionWaitFile:
		return t.waitFile(ctx, step)
	case ActionWaitSocket:
		return t.waitSocket(ctx, step)
	case ActionWaitSignal:
		return t.waitSignal(ctx, step)
	case ActionMonitor:
		return t.monitor(step)
	case ActionExpectSignal:
		return t.expectSignal(step)
	case ActionExpectExitStatus:
		return t.expectExitStatus(step)
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

func (t *Test) abortOnError(step descriptor.Step) bool {
	if step.AbortOnError != nil {
		return *step.AbortOnError
	}
	return t.base.Run.DefaultAbortOnError
}

// =============================================================================
// Execute actions
// =============================================================================

func (t *Test) allocatePort(ctx context.Context, step descriptor.Step) error {
	if step.Name == "" {
		return errors.New("allocate_port needs a name")
	}
	family := portpool.IPv4
	if step.Family != "" {
		f, err := portpool.ParseFamily(step.Family)
		if err != nil {
			return err
		}
		family = f
	}

	var hosts []string
	if step.Host != "" {
		host, err := t.expand(step.Host)
		if err != nil {
			return err
		}
		hosts = append(hosts, host)
	}

	port, err := t.base.AllocatePort(ctx, family, hosts...)
	if err != nil {
		return err
	}
	t.ports[step.Name] = port
	t.base.Logger.Info("port_named", "name", step.Name, "port", port)
	return nil
}

func (t *Test) start(ctx context.Context, step descriptor.Step) error {
	if step.Command == "" {
		return errors.New("start needs a command")
	}
	mode, err := supervisor.ParseMode(step.Mode)
	if err != nil {
		return err
	}

	command, err := t.expand(step.Command)
	if err != nil {
		return err
	}
	args, err := t.expandAll(step.Args)
	if err != nil {
		return err
	}
	var env map[string]string
	if len(step.Env) > 0 {
		env = supervisor.DefaultEnv()
		for k, v := range step.Env {
			if env[k], err = t.expand(v); err != nil {
				return err
			}
		}
	}
	dir, err := t.expand(step.Dir)
	if err != nil {
		return err
	}

	name := step.Name
	stdout, stderr := step.Stdout, step.Stderr
	if name != "" {
		if stdout == "" {
			stdout = name + ".out"
		}
		if stderr == "" {
			stderr = name + ".err"
		}
	}
	if stdout, err = t.expand(stdout); err != nil {
		return err
	}
	if stderr, err = t.expand(stderr); err != nil {
		return err
	}

	_, err = t.base.StartProcess(ctx, container.ProcessOptions{
		Command:            command,
		Args:               args,
		Env:                env,
		WorkingDir:         dir,
		Mode:               mode,
		Timeout:            step.Timeout,
		Stdout:             stdout,
		Stderr:             stderr,
		DisplayName:        name,
		ExpectedExitStatus: step.ExpectedExitStatus,
		IgnoreExitStatus:   step.IgnoreExitStatus,
		AbortOnError:       t.abortOnError(step),
	})
	return err
}

func (t *Test) process(step descriptor.Step) (*supervisor.Process, error) {
	if step.Process == "" {
		return nil, fmt.Errorf("%s needs a process", step.Action)
	}
	p, ok := t.base.Process(step.Process)
	if !ok {
		return nil, t.base.Abort(outcome.Blocked, fmt.Sprintf("No process named %s has been started", step.Process))
	}
	return p, nil
}

func (t *Test) stop(step descriptor.Step) error {
	p, err := t.process(step)
	if err != nil {
		return err
	}
	return t.base.StopProcess(p, step.Hard, t.abortOnError(step))
}

func (t *Test) signal(step descriptor.Step) error {
	p, err := t.process(step)
	if err != nil {
		return err
	}
	sig, err := parseSignal(step.Signal)
	if err != nil {
		return err
	}
	return t.base.SignalProcess(p, sig, t.abortOnError(step))
}

func (t *Test) write(step descriptor.Step) error {
	p, err := t.process(step)
	if err != nil {
		return err
	}
	data, err := t.expand(step.Data)
	if err != nil {
		return err
	}
	newLine := step.NewLine == nil || *step.NewLine
	if err := p.Write(data, newLine, step.Close); err != nil {
		return t.base.AddOutcome(outcome.Blocked,
			fmt.Sprintf("Unable to write to process %s: %v", p, err),
			t.abortOnError(step))
	}
	return nil
}

func (t *Test) waitProcess(step descriptor.Step) error {
	p, err := t.process(step)
	if err != nil {
		return err
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = t.base.Run.DefaultTimeout
	}
	return t.base.WaitProcess(p, timeout, t.abortOnError(step))
}

// waitOptions builds the wait options of step, linking the wait to the
// named process if there is one.
func (t *Test) waitOptions(step descriptor.Step) (waiter.Options, error) {
	opts := waiter.Options{Timeout: step.Timeout}
	if step.Process != "" {
		p, err := t.process(step)
		if err != nil {
			return opts, err
		}
		opts.Process = p
	}
	return opts, nil
}

// DefaultMonitorInterval is the sampling interval of monitor steps that
// set none.
const DefaultMonitorInterval = time.Second

// monitor samples a running process into a TSV file in the output
// directory. A platform without a sampler only logs a warning.
func (t *Test) monitor(step descriptor.Step) error {
	p, err := t.process(step)
	if err != nil {
		return err
	}
	file, err := t.expand(step.File)
	if err != nil {
		return err
	}
	if file == "" {
		file = step.Process + ".monitor"
	}
	interval := step.Interval
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if _, err := t.base.StartMonitor(p, interval, file); err != nil {
		t.base.Logger.Warn("monitor_unavailable", "process", step.Process, "error", err)
	}
	return nil
}

func (t *Test) waitFile(ctx context.Context, step descriptor.Step) error {
	file, err := t.expand(step.File)
	if err != nil {
		return err
	}
	if file == "" {
		return errors.New("wait_file needs a file")
	}
	opts, err := t.waitOptions(step)
	if err != nil {
		return err
	}
	return t.base.WaitForFile(ctx, file, opts, t.abortOnError(step))
}

func (t *Test) waitSocket(ctx context.Context, step descriptor.Step) error {
	host, err := t.expand(step.Host)
	if err != nil {
		return err
	}
	if host == "" {
		host = DefaultHost
	}
	portStr, err := t.expand(step.Port)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", step.Port)
	}
	opts, err := t.waitOptions(step)
	if err != nil {
		return err
	}
	return t.base.WaitForSocket(ctx, host, port, opts, t.abortOnError(step))
}

func (t *Test) waitSignal(ctx context.Context, step descriptor.Step) error {
	file, expr, cond, err := t.signalArgs(step)
	if err != nil {
		return err
	}
	opts, err := t.waitOptions(step)
	if err != nil {
		return err
	}
	_, err = t.base.WaitForSignal(ctx, file, expr, waiter.SignalOptions{
		Options:    opts,
		Condition:  cond,
		Ignores:    step.Ignores,
		ErrorExprs: step.ErrorExprs,
	}, t.abortOnError(step))
	return err
}

func (t *Test) signalArgs(step descriptor.Step) (file, expr string, cond condition.Condition, err error) {
	if file, err = t.expand(step.File); err != nil {
		return
	}
	if expr, err = t.expand(step.Expr); err != nil {
		return
	}
	if file == "" || expr == "" {
		err = fmt.Errorf("%s needs a file and an expr", step.Action)
		return
	}
	cond = condition.AtLeastOnce
	if step.Condition != "" {
		cond, err = condition.Parse(step.Condition)
	}
	return
}

// =============================================================================
// Validate actions
// =============================================================================

func (t *Test) expectSignal(step descriptor.Step) error {
	file, expr, cond, err := t.signalArgs(step)
	if err != nil {
		return err
	}
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.base.Output, path)
	}

	n, err := waiter.CountMatches(path, expr, step.Ignores)
	if err != nil {
		return err
	}
	if cond.Eval(n) {
		return t.base.AddOutcome(outcome.Passed, "", false)
	}
	return t.base.AddOutcome(outcome.Failed,
		fmt.Sprintf("Expected %s matches of '%s' in %s, found %d", cond, expr, file, n),
		false)
}

func (t *Test) expectExitStatus(step descriptor.Step) error {
	p, err := t.process(step)
	if err != nil {
		return err
	}
	cond := condition.ExitSuccess
	if step.Status != "" {
		if cond, err = condition.Parse(step.Status); err != nil {
			return err
		}
	}

	status, exited := p.ExitStatus()
	switch {
	case !exited:
		return t.base.AddOutcome(outcome.Failed, fmt.Sprintf("Process %s has not exited", p), false)
	case !cond.Eval(status):
		return t.base.AddOutcome(outcome.Failed,
			fmt.Sprintf("Process %s exit status %d does not satisfy %s", p, status, cond),
			false)
	default:
		return t.base.AddOutcome(outcome.Passed, "", false)
	}
}
