package exec

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Nice maps a priority within the band [min, max], where higher is more
// urgent, onto the nice range 19 (least urgent) to -20 (most urgent).
func Nice(pri, min, max int) int {
	if pri < min {
		pri = min
	}
	if pri > max {
		pri = max
	}
	if max == min {
		return 0
	}
	return 19 - (pri-min)*39/(max-min)
}

// SetPriority sets the nice value of a process or, given a thread id, of a
// single thread. Raising urgency usually needs privileges; callers treat
// failure as a warning.
func SetPriority(id, nice int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, id, nice); err != nil {
		return errors.Wrapf(err, "failed to set nice %d on %d", nice, id)
	}
	return nil
}

// SetThreadPriority sets the priority of the calling OS thread. The caller
// must have locked its goroutine to the thread.
func SetThreadPriority(pri, min, max int) error {
	return SetPriority(unix.Gettid(), Nice(pri, min, max))
}
