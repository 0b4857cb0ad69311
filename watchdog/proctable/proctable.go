// Package proctable queries the operating system's process table.
package proctable

import (
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrNotFound is returned when a walk runs out of ancestors or depth without
// a match.
var ErrNotFound = errors.New("no matching process in ancestry")

// Table is a view of the process table.
type Table interface {
	// Exists returns true if pid is present in the table.
	Exists(pid int) (bool, error)
	// Parent returns the parent pid of pid.
	Parent(pid int) (int, error)
}

// Local is the process table of this machine.
type Local struct{}

var _ Table = Local{}

// Exists implements Table. A zombie has exited and is not present.
func (Local) Exists(pid int) (bool, error) {
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		return false, errors.Wrapf(err, "failed to query pid %d", pid)
	}
	if !ok {
		return false, nil
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		// Gone since.
		return false, nil
	}

	status, err := p.Status()
	if err != nil {
		return true, nil
	}

	for _, s := range status {
		if s == process.Zombie {
			return false, nil
		}
	}

	return true, nil
}

// Parent implements Table.
func (Local) Parent(pid int) (int, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to find pid %d", pid)
	}

	ppid, err := p.Ppid()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to get parent of pid %d", pid)
	}

	return int(ppid), nil
}

// WalkParents calls match on pid and then on each of its ancestors, up to depth
// parent links, and returns the first pid match accepts. The walk stops early
// at init, at a process that is its own parent, or when the table cannot
// answer.
func WalkParents(t Table, pid, depth int, match func(pid int) bool) (int, error) {
	for i := 0; ; i++ {
		if match(pid) {
			return pid, nil
		}

		if i >= depth || pid <= 1 {
			break
		}

		ppid, err := t.Parent(pid)
		if err != nil || ppid == pid {
			break
		}
		pid = ppid
	}

	return 0, ErrNotFound
}

// Fake is an in-memory Table. The zero value is an empty table.
type Fake map[int]int

var _ Table = Fake{}

// Exists implements Table.
func (f Fake) Exists(pid int) (bool, error) {
	_, ok := f[pid]
	return ok, nil
}

// Parent implements Table.
func (f Fake) Parent(pid int) (int, error) {
	ppid, ok := f[pid]
	if !ok {
		return 0, errors.Errorf("no pid %d", pid)
	}
	return ppid, nil
}
