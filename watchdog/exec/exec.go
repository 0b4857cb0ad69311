// Package exec provides an abstraction around package os' Process
// implementation for easier testing.
package exec

import (
	"os"
	"runtime"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Process describes a command process.
type Process interface {
	PID() int
	Signal(os.Signal) error
	Kill() error
	// Wait blocks until the process is reaped. It may be called any number of
	// times from any goroutine.
	Wait() ExitStatus
}

// ExitStatus is a process' exit status.
type ExitStatus struct {
	PID   int
	Code  int // -1 for signals
	Error error
}

// Command describes a process to start.
type Command struct {
	Path string
	Args []string
	Env  []string
}

type process struct {
	*os.Process
	done   chan struct{}
	status ExitStatus
}

var _ Process = (*process)(nil)

// Start starts cmd with its standard output and error both writing into one
// pipe, whose read end is returned. The process is reaped in the background as
// soon as it exits, so it never lingers as a zombie.
func Start(cmd Command) (Process, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create log pipe")
	}

	null, err := os.Open(os.DevNull)
	if err != nil {
		r.Close()
		w.Close()
		return nil, nil, errors.Wrap(err, "failed to open null device")
	}

	attr := &os.ProcAttr{
		Env:   cmd.Env,
		Files: []*os.File{null, w, w},
		// Linux-only: we need the child to die when we do, because it's the
		// next best thing we can do that doesn't involve reparenting orphaned
		// children magic.
		Sys: &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL},
	}

	started := make(chan error, 1)
	proc := &process{done: make(chan struct{})}

	// Pdeathsig fires when the spawning thread exits, so the thread stays
	// locked to the reaper until the child is gone.
	// See https://github.com/golang/go/issues/27505.
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		p, err := os.StartProcess(cmd.Path, cmd.Args, attr)
		if err != nil {
			started <- err
			return
		}

		proc.Process = p
		started <- nil

		s, err := p.Wait()
		proc.status = ExitStatus{PID: p.Pid, Code: -1, Error: err}
		if s != nil {
			proc.status.Code = s.ExitCode()
		}
		close(proc.done)
	}()

	err = <-started
	null.Close()
	w.Close()

	if err != nil {
		r.Close()
		return nil, nil, err
	}

	return proc, r, nil
}

// SetSubreaper makes the calling process adopt orphaned descendants, so that
// programs started through wrappers stay in our process tree.
func SetSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return errors.Wrap(err, "failed to set subreaper")
	}
	return nil
}

func (proc *process) PID() int {
	return proc.Pid
}

func (proc *process) Wait() ExitStatus {
	<-proc.done
	return proc.status
}

// ReapOrphan collects pid if it is an exited child of ours, which is how
// descendants adopted through SetSubreaper end. Children started by Start are
// reaped by Start and must not be passed here. A pid that is not our child or
// has not exited is left alone.
func ReapOrphan(pid int) error {
	if pid <= 0 {
		return errors.Errorf("invalid pid %d", pid)
	}

	var status unix.WaitStatus
	_, err := unix.Wait4(pid, &status, unix.WNOHANG, nil)
	if err != nil && err != unix.ECHILD {
		return errors.Wrapf(err, "failed to reap pid %d", pid)
	}
	return nil
}

// KillPID sends SIGKILL to an arbitrary pid. A process that is already gone is
// not an error.
func KillPID(pid int) error {
	if pid <= 0 {
		return errors.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return errors.Wrapf(err, "failed to kill pid %d", pid)
	}
	return nil
}
