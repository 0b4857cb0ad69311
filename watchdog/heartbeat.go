package watchdog

import (
	"runtime"
	"sync/atomic"
	"time"

	"git.unix.lgbt/diamondburned/watchdog/watchdog/exec"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/logger"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/metrics"
)

// StallReason is the panic reason given when the low priority heartbeat
// goroutine stops running.
const StallReason = "A CPU-bound thread has stalled the real-time system"

// heartbeatFlag is shared by the two heartbeat goroutines.
type heartbeatFlag struct {
	reset atomic.Bool
}

// startHeartbeat starts both heartbeat goroutines. They stop when s.stop is
// closed.
func (s *Supervisor) startHeartbeat() {
	var flag heartbeatFlag

	go s.heartbeatLow(&flag)
	go s.heartbeatHigh(&flag)
}

// lockPriority locks the goroutine to its thread and sets the thread's
// priority. Raising it usually needs privileges, so failure is only logged. The
// thread is never unlocked, so it exits along with the goroutine instead of
// going back to the scheduler with a changed priority.
func (s *Supervisor) lockPriority(pri int) {
	runtime.LockOSThread()

	if err := exec.SetThreadPriority(pri, s.Settings.MinPriority, s.Settings.MaxPriority); err != nil {
		logger.For(logger.ComponentHeartbeat).Debugw("cannot set thread priority",
			"priority", pri, "err", err)
	}
}

// heartbeatLow runs at the lowest priority. As long as it gets to run, nothing
// is starving the band above it. It also enforces the programs' check-in
// deadlines.
func (s *Supervisor) heartbeatLow(flag *heartbeatFlag) {
	s.lockPriority(s.Settings.MinPriority)

	ticker := time.NewTicker(s.Settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		if s.lowHook != nil {
			s.lowHook()
		}

		flag.reset.Store(true)

		if err := s.checkWatches(time.Now()); err != nil {
			return
		}
	}
}

// heartbeatHigh runs at the highest priority and panics once the low
// goroutine has missed too many cycles in a row.
func (s *Supervisor) heartbeatHigh(flag *heartbeatFlag) {
	s.lockPriority(s.Settings.MaxPriority)

	ticker := time.NewTicker(s.Settings.HeartbeatInterval)
	defer ticker.Stop()

	var misses int

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		if flag.reset.CompareAndSwap(true, false) {
			misses = 0
			continue
		}

		misses++
		metrics.HeartbeatMissed()

		if misses >= s.Settings.MaxMissedHeartbeats {
			s.Log.Printf(SupervisorTag, "WATCHDOG FAIL: %s", StallReason)
			s.Panic(Origin{Component: logger.ComponentHeartbeat}, StallReason)
			return
		}
	}
}

// checkWatches panics if any program missed its check-in deadline.
func (s *Supervisor) checkWatches(now time.Time) error {
	for _, p := range s.Programs {
		deadline, late := p.overdue(now)
		if !late {
			continue
		}

		s.Journal.Write(&EventProgramOverdue{
			ID:       p.ID,
			Deadline: deadline,
			Watch:    p.Watch,
		})

		s.Log.Printf(p.ID, "WATCHDOG FAIL: Program did not check in within %v", p.Watch)
		return s.Panic(Origin{Component: logger.ComponentHeartbeat, Program: p},
			"Program did not check in")
	}

	return nil
}
