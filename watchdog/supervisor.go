// Package watchdog is the core of the watchdog supervisor. It launches a fleet
// of programs, drains their output into one log, answers their directory
// requests, and shuts everything down as soon as anything goes wrong.
//
// Mechanism of Operation
//
// Every program gets a monitor goroutine that launches it and then blocks
// reading its output pipe. When the pipe closes, the monitor checks the
// process table until the program is gone and then panics the supervisor. No
// program is ever restarted; recovery is left to whatever restarts the
// machine.
//
// The directory server answers three requests over a unix socket whose
// address is passed to every program in its environment:
//
//    OK  heartbeat, resolved to a program by the sender's pid or ancestry
//    ID  look up the channel a program registered, by logical name
//    SV  register the sender's channel under a logical name
//
// Two heartbeat goroutines run at the bottom and top of the priority band.
// The low one sets a flag every interval and the high one checks it, so a
// CPU-bound thread starving the low priorities is noticed by the high one.
//
// Panic is the single shutdown path. The first caller kills every program,
// joins every goroutine with a timeout and exits nonzero. Later callers get
// ErrAborting and unwind.
package watchdog

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"git.unix.lgbt/diamondburned/watchdog/watchdog/exec"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/logger"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/msgport"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/nodes"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/proctable"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/settings"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/transport"
)

// DirectoryChid is the channel id of the directory server.
const DirectoryChid = 1

// SupervisorTag tags the supervisor's own lines in the log stream.
const SupervisorTag = "watchdog"

// StartFunc starts a process whose standard output and error both go to the
// returned reader.
type StartFunc func(exec.Command) (exec.Process, io.ReadCloser, error)

func startProcess(cmd exec.Command) (exec.Process, io.ReadCloser, error) {
	proc, r, err := exec.Start(cmd)
	if err != nil {
		return nil, nil, err
	}
	return proc, r, nil
}

// Supervisor supervises a fleet of programs. Fields must be set before Run
// and not changed afterwards.
type Supervisor struct {
	Settings settings.Settings
	Programs []*Program
	Nodes    *nodes.Table
	Procs    proctable.Table
	Log      *LogStream
	Journal  Journaler
	// Environ is the environment programs inherit.
	Environ []string
	Verbose bool

	// Start starts a program; defaults to exec.Start.
	Start StartFunc
	// Kill kills any pid; defaults to exec.KillPID.
	Kill func(pid int) error
	// Reap collects an adopted descendant once it exits; defaults to
	// exec.ReapOrphan.
	Reap func(pid int) error
	// Exit ends the process after a panic; defaults to os.Exit.
	Exit func(code int)
	// Abort ends the process when shutdown itself hangs; defaults to a Go
	// panic.
	Abort func(reason string)

	// ExitPolls and ExitPollInterval bound how long a monitor waits for a
	// program with a closed pipe to leave the process table.
	ExitPolls        int
	ExitPollInterval time.Duration

	log       *zap.SugaredLogger
	runID     uuid.UUID
	channel   *transport.Channel
	bootstrap msgport.Bootstrap

	aborting atomic.Bool
	signaled atomic.Bool
	reason   atomic.Value // string

	monitors   []monitorHandle
	serverDone chan struct{}
	stop       chan struct{}
	finished   chan struct{}

	// lowHook runs in the low priority heartbeat goroutine on every cycle.
	lowHook func()
}

type monitorHandle struct {
	program *Program
	done    chan struct{}
}

// New creates a supervisor on the local host for the given programs. Nodes
// named by programs are added to the node table.
func New(programs []*Program, set settings.Settings, j Journaler) (*Supervisor, error) {
	table, err := nodes.NewHostTable()
	if err != nil {
		return nil, err
	}

	for _, p := range programs {
		table.Add(p.Node)
	}

	return &Supervisor{
		Settings: set,
		Programs: programs,
		Nodes:    table,
		Procs:    proctable.Local{},
		Log:      NewLogStream(os.Stdout),
		Journal:  j,
		Environ:  os.Environ(),
	}, nil
}

func (s *Supervisor) setDefaults() {
	if s.Procs == nil {
		s.Procs = proctable.Local{}
	}
	if s.Log == nil {
		s.Log = NewLogStream(os.Stdout)
	}
	if s.Journal == nil {
		s.Journal = DiscardJournal
	}
	if s.Start == nil {
		s.Start = startProcess
	}
	if s.Kill == nil {
		s.Kill = exec.KillPID
	}
	if s.Reap == nil {
		s.Reap = exec.ReapOrphan
	}
	if s.Exit == nil {
		s.Exit = os.Exit
	}
	if s.Abort == nil {
		s.Abort = func(reason string) { panic(reason) }
	}
	if s.ExitPolls == 0 {
		s.ExitPolls = 20
	}
	if s.ExitPollInterval == 0 {
		s.ExitPollInterval = 100 * time.Millisecond
	}

	s.log = logger.For(logger.ComponentSupervisor)
	s.runID = uuid.New()
	s.serverDone = make(chan struct{})
	s.stop = make(chan struct{})
	s.finished = make(chan struct{})
}

// RunID returns the id stamped on this run's journal entries.
func (s *Supervisor) RunID() uuid.UUID { return s.runID }

// Bootstrap returns the directory server address passed to programs.
func (s *Supervisor) Bootstrap() msgport.Bootstrap { return s.bootstrap }

// Aborting returns true once a panic has started.
func (s *Supervisor) Aborting() bool { return s.aborting.Load() }

// PanicReason returns the reason of the panic that won, if any.
func (s *Supervisor) PanicReason() string {
	r, _ := s.reason.Load().(string)
	return r
}

// Program returns the program with the given ID.
func (s *Supervisor) Program(id string) *Program {
	for _, p := range s.Programs {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Run starts the directory server, the heartbeat goroutines and then every
// program. It blocks until the supervisor panics; with the default Exit it
// never returns. Cancelling ctx is treated like any other failure.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setDefaults()

	if s.Nodes == nil {
		return errors.New("no node table")
	}

	ch, err := transport.Listen(s.Settings.RunDir, DirectoryChid)
	if err != nil {
		return errors.Wrap(err, "failed to create directory channel")
	}
	s.channel = ch

	s.bootstrap = msgport.Bootstrap{
		Node:   s.Nodes.LocalName(),
		PID:    os.Getpid(),
		Chid:   ch.Chid(),
		RunDir: s.Settings.RunDir,
	}

	// The environment needs the directory address, so it can only be built
	// now.
	for _, p := range s.Programs {
		p.environ = prepareEnvironment(s.Environ, p.Env, s.bootstrap.Environ())
	}

	if err := exec.SetSubreaper(); err != nil {
		s.log.Warnw("programs started through wrappers may escape", "err", err)
	}

	s.Journal.Write(&EventStarted{
		RunID:    s.runID.String(),
		PID:      s.bootstrap.PID,
		Node:     s.bootstrap.Node,
		Chid:     s.bootstrap.Chid,
		Programs: len(s.Programs),
	})

	s.log.Infow("directory server up",
		"run_id", s.runID, "socket", ch.Path(), "programs", len(s.Programs))

	s.monitors = make([]monitorHandle, len(s.Programs))
	for i, p := range s.Programs {
		s.monitors[i] = monitorHandle{program: p, done: make(chan struct{})}
	}

	go s.serve()
	s.startHeartbeat()

	for _, m := range s.monitors {
		go s.runMonitor(m)
	}

	select {
	case <-ctx.Done():
		s.signaled.Store(true)
		s.Log.Printf(SupervisorTag, "Signal received.")
		s.Panic(Origin{Component: logger.ComponentSupervisor}, "Interrupt signal received")
	case <-s.finished:
	}

	<-s.finished
	return ErrAborting
}

func (s *Supervisor) runMonitor(m monitorHandle) {
	defer close(m.done)

	if err := s.monitor(m.program); err != nil && !errors.Is(err, ErrAborting) {
		s.log.Errorw("monitor exited", "id", m.program.ID, "err", err)
	}
}

type discardJournal struct{}

func (discardJournal) ID() string        { return "discard" }
func (discardJournal) Write(Event) error { return nil }

// DiscardJournal drops every event.
var DiscardJournal Journaler = discardJournal{}
