package watchdog

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"git.unix.lgbt/diamondburned/watchdog/watchdog/logger"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/metrics"
)

// ErrAborting is returned by Panic to every caller once a shutdown is under
// way. Goroutines return it up their stack and exit quietly.
var ErrAborting = errors.New("abort already in progress")

// Origin describes who is calling Panic.
type Origin struct {
	// Component is one of the logger components. A monitor or the directory
	// server calling Panic is not waited for.
	Component string
	// Program is the program the failure is about, if any.
	Program *Program
}

func (o Origin) id() string {
	if o.Program != nil {
		return o.Program.ID
	}
	return ""
}

// Panic shuts the supervisor down: it kills every program, joins every
// goroutine and exits nonzero. Only the first call does this; every call
// returns ErrAborting.
func (s *Supervisor) Panic(from Origin, reason string) error {
	metrics.Panicked()

	if !s.aborting.CompareAndSwap(false, true) {
		return ErrAborting
	}
	defer close(s.finished)

	full := reason
	if id := from.id(); id != "" {
		full = fmt.Sprintf("[%s] %s", id, reason)
	}
	s.reason.Store(full)

	log := logger.For(logger.ComponentPanic)
	log.Errorw("ABORTING", "reason", reason, "id", from.id(), "component", from.Component)

	s.Log.Printf(SupervisorTag, "ABORTING: %s", full)
	s.Journal.Write(&EventPanic{
		Component: from.Component,
		ID:        from.id(),
		Reason:    full,
	})

	close(s.stop)

	for _, p := range s.Programs {
		if pid := p.bestPID(); pid > 0 {
			if err := s.Kill(pid); err != nil {
				log.Warnw("cannot kill program", "id", p.ID, "pid", pid, "err", err)
			}
		}
		p.closeLogPipe()
	}

	for _, m := range s.monitors {
		if from.Component == logger.ComponentMonitor && m.program == from.Program {
			continue
		}
		if !s.join(m.done) {
			s.Abort(fmt.Sprintf("monitor for %s did not exit within %v", m.program.ID, s.Settings.JoinTimeout))
			return ErrAborting
		}
	}

	if from.Component != logger.ComponentDirectory && s.channel != nil {
		go s.channel.Pulse(pulseShutdown)

		if !s.join(s.serverDone) {
			s.Abort(fmt.Sprintf("directory server did not exit within %v", s.Settings.JoinTimeout))
			return ErrAborting
		}
	}

	if s.channel != nil {
		s.channel.Close()
	}

	logger.Sync()
	s.Exit(1)

	return ErrAborting
}

// join waits for done up to the join timeout.
func (s *Supervisor) join(done <-chan struct{}) bool {
	timer := time.NewTimer(s.Settings.JoinTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
