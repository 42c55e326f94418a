//go:build windows

package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

type windowsSpawner struct{}

// DefaultSpawner returns the Job Object based Spawner.
func DefaultSpawner() Spawner {
	return windowsSpawner{}
}

type windowsHandle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	pid   int

	job         windows.Handle
	releaseOnce sync.Once

	done   chan struct{}
	status int
}

func (windowsSpawner) Spawn(spec Spec) (Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	job, err := newKillOnCloseJob()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create job object: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		windows.CloseHandle(job)
		return nil, err
	}

	if err := assignToJob(job, cmd.Process.Pid); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		windows.CloseHandle(job)
		return nil, fmt.Errorf("assign job object: %w", err)
	}

	h := &windowsHandle{
		cmd:   cmd,
		stdin: stdin,
		pid:   cmd.Process.Pid,
		job:   job,
		done:  make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

// newKillOnCloseJob creates a Job Object that kills its members when the
// last handle to it is closed.
func newKillOnCloseJob() (windows.Handle, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, err
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	_, err = windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	)
	if err != nil {
		windows.CloseHandle(job)
		return 0, err
	}
	return job, nil
}

func assignToJob(job windows.Handle, pid int) error {
	proc, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(proc)
	return windows.AssignProcessToJobObject(job, proc)
}

func (h *windowsHandle) reap() {
	err := h.cmd.Wait()
	h.status = extractExitCode(err)
	close(h.done)
}

func (h *windowsHandle) Pid() int {
	return h.pid
}

func (h *windowsHandle) Poll() (int, bool) {
	select {
	case <-h.done:
		return h.status, true
	default:
		return 0, false
	}
}

// Terminate sends CTRL_BREAK to the process group for a graceful stop and
// terminates the whole job for a hard one.
func (h *windowsHandle) Terminate(hard bool) error {
	if !hard {
		if err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(h.pid)); err == nil {
			return nil
		}
	}
	return windows.TerminateJobObject(h.job, 1)
}

func (h *windowsHandle) Signal(sig os.Signal) error {
	return fmt.Errorf("%w: cannot send %v on windows", ErrUnsupported, sig)
}

func (h *windowsHandle) Stdin() io.WriteCloser {
	return h.stdin
}

// Release closes the job handle, which kills any descendants still attached.
func (h *windowsHandle) Release() error {
	var err error
	h.releaseOnce.Do(func() {
		err = windows.CloseHandle(h.job)
	})
	return err
}

func extractExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
