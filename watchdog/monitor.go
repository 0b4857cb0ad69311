package watchdog

import (
	"io"
	"time"

	"github.com/pkg/errors"

	"git.unix.lgbt/diamondburned/watchdog/watchdog/logger"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/metrics"
)

// monitor drives one program through its states until the supervisor panics.
// Every path out of it ends in a panic; the returned error is ErrAborting
// unless something unexpected happened.
func (s *Supervisor) monitor(p *Program) error {
	for {
		if s.aborting.Load() {
			return ErrAborting
		}

		switch p.State() {
		case StateUnstarted:
			if err := s.launch(p); err != nil {
				s.Log.Printf(SupervisorTag, "FAILED to launch %s (%s): %v", p.ID, p.Path, err)
				s.Journal.Write(&EventProgramSpawnError{
					ID:     p.ID,
					Path:   p.Path,
					Reason: err.Error(),
				})

				p.mu.Lock()
				p.fire(eventLaunchFail)
				p.mu.Unlock()

				return s.fail(p, "Unable to launch program")
			}

			// A panic that started during the launch may have missed this
			// program.
			if s.aborting.Load() {
				p.closeLogPipe()
				s.Kill(p.bestPID())
				return ErrAborting
			}

			s.Log.Printf(SupervisorTag, "Launched %s successfully.", p.ID)

		case StateRunning:
			err := s.drain(p)
			if s.aborting.Load() {
				return ErrAborting
			}

			s.Log.Printf(p.ID, "End of file or error on logging pipe.")
			p.closeLogPipe()

			ev := &EventProgramKilled{ID: p.ID, PID: p.bestPID()}
			if err != nil && !errors.Is(err, io.EOF) {
				ev.Error = err.Error()
			}
			s.Journal.Write(ev)

			p.mu.Lock()
			err = p.fire(eventPipeClosed)
			p.mu.Unlock()

			if err != nil {
				return err
			}

		case StateKilled:
			gone, err := s.confirmGone(p)
			if err != nil {
				s.Log.Printf(p.ID, "Unable to get process status: %v", err)
				return s.fail(p, "Unable to get process status")
			}
			if !gone {
				if s.aborting.Load() {
					return ErrAborting
				}
				return s.fail(p, "Program closed its log pipe but did not exit")
			}

			s.Log.Printf(p.ID, "*** Program has exited. ***")

			ev := &EventProgramExited{ID: p.ID, PID: p.bestPID()}
			if status := p.exitStatus(); status != nil {
				code := status.Code
				ev.ExitCode = &code
			}
			s.Journal.Write(ev)

			p.mu.Lock()
			err = p.fire(eventGone)
			p.mu.Unlock()

			if err != nil {
				return err
			}

		case StateExited:
			// Any exit is fatal, including a clean one.
			return s.fail(p, "Program has exited")
		}
	}
}

// fail logs a program failure and panics.
func (s *Supervisor) fail(p *Program, msg string) error {
	s.Log.Printf(p.ID, "WATCHDOG FAIL: %s", msg)
	return s.Panic(Origin{Component: logger.ComponentMonitor, Program: p}, msg)
}

// drain copies the program's output into the log stream until the pipe ends.
func (s *Supervisor) drain(p *Program) error {
	p.mu.Lock()
	pipe := p.logPipe
	p.mu.Unlock()

	if pipe == nil {
		return io.EOF
	}

	lines := newLineAssembler(func(line []byte) {
		s.Log.WriteLine(p.ID, line)
		metrics.ProgramLine(p.ID)
	})

	buf := make([]byte, MaxLineLength)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			lines.Write(buf[:n])
		}
		if err != nil {
			return err
		}
		if s.aborting.Load() {
			return ErrAborting
		}
	}
}

// confirmGone polls the process table until every local pid of the program
// is gone. It returns false if they are still present after the configured
// number of polls. A registered server pid other than the launched one was
// adopted by us when its wrapper exited, so it is reaped on every poll.
func (s *Supervisor) confirmGone(p *Program) (bool, error) {
	launched, server := p.PIDs()

	pids := []int{launched}
	adopted := 0
	if server > 0 && server != launched && !p.Remote(s.Nodes.LocalName()) {
		pids = append(pids, server)
		adopted = server
	}

	for i := 0; i < s.ExitPolls; i++ {
		if i > 0 {
			select {
			case <-time.After(s.ExitPollInterval):
			case <-s.stop:
				return false, nil
			}
		}

		if adopted > 0 {
			if err := s.Reap(adopted); err != nil {
				s.log.Debugw("cannot reap server", "id", p.ID, "pid", adopted, "err", err)
			}
		}

		present := false
		for _, pid := range pids {
			ok, err := s.Procs.Exists(pid)
			if err != nil {
				return false, err
			}
			if ok {
				present = true
				break
			}
		}

		if !present {
			return true, nil
		}
	}

	return false, nil
}
