//go:build !windows

package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

type unixSpawner struct{}

// DefaultSpawner returns the process-group based Spawner.
func DefaultSpawner() Spawner {
	return unixSpawner{}
}

type unixHandle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	pid   int
	pgid  int

	done   chan struct{}
	status int
}

func (unixSpawner) Spawn(spec Spec) (Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}

	// Own process group so the whole tree can be signalled.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, err
	}

	pid := cmd.Process.Pid
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		pgid = pid
	}

	h := &unixHandle{
		cmd:   cmd,
		stdin: stdin,
		pid:   pid,
		pgid:  pgid,
		done:  make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

func (h *unixHandle) reap() {
	err := h.cmd.Wait()
	h.status = extractExitCode(err)
	close(h.done)
}

func (h *unixHandle) Pid() int {
	return h.pid
}

func (h *unixHandle) Poll() (int, bool) {
	select {
	case <-h.done:
		return h.status, true
	default:
		return 0, false
	}
}

func (h *unixHandle) Terminate(hard bool) error {
	sig := unix.SIGTERM
	if hard {
		sig = unix.SIGKILL
	}
	err := unix.Kill(-h.pgid, sig)
	if errors.Is(err, unix.ESRCH) {
		// group already gone
		return nil
	}
	return err
}

func (h *unixHandle) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("%w: signal %v", ErrUnsupported, sig)
	}
	return unix.Kill(h.pid, s)
}

func (h *unixHandle) Stdin() io.WriteCloser {
	return h.stdin
}

// Release is a no-op; the reaper goroutine already released the process.
func (h *unixHandle) Release() error {
	return nil
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	// Unknown error, assume exit code 1
	return 1
}
