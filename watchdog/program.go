package watchdog

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"git.unix.lgbt/diamondburned/watchdog/watchdog/dirproto"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/exec"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/metrics"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/nodes"
)

// Program states. A program only ever moves forward through them.
const (
	StateUnstarted = "unstarted"
	StateRunning   = "running"
	StateKilled    = "killed"
	StateExited    = "exited"
)

// Program state machine events.
const (
	eventLaunch     = "launch"
	eventLaunchFail = "launch_failed"
	eventPipeClosed = "pipe_closed"
	eventGone       = "gone"
)

var stateIndex = map[string]int{
	StateUnstarted: 0,
	StateRunning:   1,
	StateKilled:    2,
	StateExited:    3,
}

// ErrProgramNotFound is returned when an executable is in none of the search
// path entries.
var ErrProgramNotFound = errors.New("program not found")

// Program is one supervised program: its configuration and, once launched,
// its live state. Live state is only changed by the program's own monitor,
// and always read under the program's lock.
type Program struct {
	ID   string
	Path string
	Args []string
	// Env holds the variables set on the program's start file line.
	Env  map[string]string
	Node string
	// Priority and MaxPriority are 0 when unset.
	Priority    int
	MaxPriority int
	// Watch is the check-in interval once the program has checked in. Zero
	// disables the dead-man timer.
	Watch time.Duration
	// Line is the start file line number.
	Line int

	// environ is the full environment, computed once the directory server
	// runs.
	environ []string

	mu          sync.Mutex
	state       *fsm.FSM
	launchedPID int
	serverPID   int
	chid        int
	logPipe     io.ReadCloser
	proc        exec.Process
	exit        *exec.ExitStatus
	nextWatch   time.Time
}

func newProgramState(id string) *fsm.FSM {
	return fsm.NewFSM(
		StateUnstarted,
		fsm.Events{
			{Name: eventLaunch, Src: []string{StateUnstarted}, Dst: StateRunning},
			{Name: eventLaunchFail, Src: []string{StateUnstarted}, Dst: StateExited},
			{Name: eventPipeClosed, Src: []string{StateRunning}, Dst: StateKilled},
			{Name: eventGone, Src: []string{StateKilled}, Dst: StateExited},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.SetProgramState(id, stateIndex[e.Dst])
			},
		},
	)
}

// init prepares the live state. It must be called once before use.
func (p *Program) init() {
	p.state = newProgramState(p.ID)
	metrics.SetProgramState(p.ID, stateIndex[StateUnstarted])
}

// State returns the current state.
func (p *Program) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state.Current()
}

// fire moves the state machine. The caller holds mu.
func (p *Program) fire(event string) error {
	if err := p.state.Event(context.Background(), event); err != nil {
		return errors.Wrapf(err, "program %s", p.ID)
	}
	return nil
}

// Remote returns true if the program runs on another node than local.
func (p *Program) Remote(local string) bool {
	return p.Node != "" && p.Node != local
}

// PIDs returns the launched pid and the pid that registered as server, either
// of which is 0 if unknown.
func (p *Program) PIDs() (launched, server int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.launchedPID, p.serverPID
}

// bestPID returns the pid most likely to be the actual program. A launch
// through a wrapper leaves launchedPID pointing at the wrapper.
func (p *Program) bestPID() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.serverPID > 0 {
		return p.serverPID
	}
	return p.launchedPID
}

// hasPID returns true if pid is the launched or server pid.
func (p *Program) hasPID(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return pid > 0 && (pid == p.launchedPID || pid == p.serverPID)
}

// register records the pid and channel a program registered from.
func (p *Program) register(pid, chid int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.serverPID = pid
	p.chid = chid
}

// Address computes the program's current address in the local node frame.
// Node descriptors are looked up on every call. ok is false if the program
// has not registered a channel.
func (p *Program) Address(table *nodes.Table) (addr dirproto.Address, ok bool, err error) {
	p.mu.Lock()
	pid, chid := p.serverPID, p.chid
	p.mu.Unlock()

	if pid <= 0 || chid <= 0 {
		return addr, false, nil
	}

	nd, err := table.Lookup(p.Node)
	if err != nil {
		return addr, false, err
	}

	return dirproto.Address{Node: nd, PID: int32(pid), Chid: int32(chid)}, true, nil
}

// checkIn restarts the dead-man timer.
func (p *Program) checkIn(now time.Time) {
	if p.Watch <= 0 {
		return
	}

	p.mu.Lock()
	p.nextWatch = now.Add(p.Watch)
	p.mu.Unlock()
}

// overdue returns the missed deadline if the program checked in before and
// has not checked in again in time.
func (p *Program) overdue(now time.Time) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.nextWatch.IsZero() || now.Before(p.nextWatch) {
		return time.Time{}, false
	}
	return p.nextWatch, true
}

// closeLogPipe closes the log pipe, unblocking the monitor's read.
func (p *Program) closeLogPipe() {
	p.mu.Lock()
	pipe := p.logPipe
	p.mu.Unlock()

	if pipe != nil {
		pipe.Close()
	}
}

// exitStatus returns the reaped exit status, if any.
func (p *Program) exitStatus() *exec.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exit
}

// resolveLaunchPath finds the program's executable. Names containing a slash
// are used as is, except that a leading "~/" is resolved against home. Other
// names are searched for in paths, whose entries may also start with "~/".
func resolveLaunchPath(name string, paths []string, home string) (string, error) {
	if strings.Contains(name, "/") {
		path := expandHome(name, home)
		if !isExecutable(path) {
			return "", errors.Wrap(ErrProgramNotFound, path)
		}
		return path, nil
	}

	for _, dir := range paths {
		if dir == "" {
			continue
		}

		path := filepath.Join(expandHome(dir, home), name)
		if isExecutable(path) {
			return path, nil
		}
	}

	return "", errors.Wrap(ErrProgramNotFound, name)
}

func expandHome(path, home string) string {
	if home != "" && strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isExecutable(path string) bool {
	s, err := os.Stat(path)
	return err == nil && s.Mode().IsRegular() && s.Mode().Perm()&0111 != 0
}

// prepareEnvironment merges the program's variables over base, then sets the
// supervisor's bootstrap variables. The result is sorted.
func prepareEnvironment(base []string, explicit map[string]string, bootstrap []string) []string {
	env := make(map[string]string, len(base)+len(explicit)+len(bootstrap))

	set := func(kv string) {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	for _, kv := range base {
		set(kv)
	}
	for k, v := range explicit {
		env[k] = v
	}
	for _, kv := range bootstrap {
		set(kv)
	}

	environ := make([]string, 0, len(env))
	for k, v := range env {
		environ = append(environ, k+"="+v)
	}
	sort.Strings(environ)

	return environ
}
