package msgport

import (
	"os"
	"strconv"

	"github.com/pkg/errors"

	"git.unix.lgbt/diamondburned/watchdog/watchdog/exec"
)

// Environment variables the supervisor injects into every program.
const (
	EnvNode = "WATCHDOG_ND"
	EnvPID  = "WATCHDOG_PID"
	EnvChid = "WATCHDOG_CHID"
	// EnvRunDir is optional; settings.DefaultRunDir reads it as well.
	EnvRunDir = "WATCHDOG_RUNDIR"
)

// Environment variables a program's start file line may set.
const (
	EnvID     = "ID"
	EnvPri    = "PRI"
	EnvMaxPri = "MAXPRI"
)

// ErrNoWatchdog is returned when the process was not started by a supervisor.
var ErrNoWatchdog = errors.New("no watchdog address in environment")

// Bootstrap is the supervisor's directory address as passed in the
// environment. Node is a name, since descriptors mean nothing to another node.
type Bootstrap struct {
	Node string
	PID  int
	Chid int
	// RunDir holds the directory server's socket.
	RunDir string
}

// Environ returns the bootstrap as environment entries.
func (b Bootstrap) Environ() []string {
	env := []string{
		EnvNode + "=" + b.Node,
		EnvPID + "=" + strconv.Itoa(b.PID),
		EnvChid + "=" + strconv.Itoa(b.Chid),
	}
	if b.RunDir != "" {
		env = append(env, EnvRunDir+"="+b.RunDir)
	}
	return env
}

// BootstrapFromEnv reads the bootstrap from the process environment.
func BootstrapFromEnv() (Bootstrap, error) {
	return bootstrapFrom(os.LookupEnv)
}

func bootstrapFrom(lookup func(string) (string, bool)) (Bootstrap, error) {
	var b Bootstrap
	var ok bool

	if b.Node, ok = lookup(EnvNode); !ok {
		return b, errors.Wrap(ErrNoWatchdog, EnvNode)
	}

	for _, v := range []struct {
		key string
		dst *int
	}{{EnvPID, &b.PID}, {EnvChid, &b.Chid}} {
		s, ok := lookup(v.key)
		if !ok {
			return b, errors.Wrap(ErrNoWatchdog, v.key)
		}

		n, err := strconv.Atoi(s)
		if err != nil {
			return b, errors.Wrapf(err, "invalid %s", v.key)
		}
		*v.dst = n
	}

	b.RunDir, _ = lookup(EnvRunDir)

	return b, nil
}

// Priority returns PRI+rel capped by MAXPRI. It returns false if PRI is not
// set, in which case the priority should be left alone.
func Priority(rel, min, max int) (int, bool, error) {
	return priorityFrom(os.LookupEnv, rel, min, max)
}

func priorityFrom(lookup func(string) (string, bool), rel, min, max int) (int, bool, error) {
	s, ok := lookup(EnvPri)
	if !ok {
		return 0, false, nil
	}

	pri, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, errors.Wrapf(err, "invalid %s", EnvPri)
	}
	if pri < min || pri > max {
		return 0, false, errors.Errorf("%s %d outside %d..%d", EnvPri, pri, min, max)
	}

	pri += rel
	if pri < min || pri > max {
		return 0, false, errors.Errorf("adjusted priority %d outside %d..%d", pri, min, max)
	}

	if s, ok := lookup(EnvMaxPri); ok {
		maxpri, err := strconv.Atoi(s)
		if err != nil {
			return 0, false, errors.Wrapf(err, "invalid %s", EnvMaxPri)
		}
		if pri > maxpri {
			pri = maxpri
		}
	}

	if pri < min || pri > max {
		return 0, false, errors.Errorf("capped priority %d outside %d..%d", pri, min, max)
	}

	return pri, true, nil
}

// SetPriority sets the calling thread's priority relative to PRI. The caller
// must have locked its goroutine to its OS thread.
func SetPriority(rel, min, max int) error {
	pri, ok, err := Priority(rel, min, max)
	if err != nil || !ok {
		return err
	}
	return exec.SetThreadPriority(pri, min, max)
}
