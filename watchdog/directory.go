package watchdog

import (
	"context"
	"time"

	"git.unix.lgbt/diamondburned/watchdog/watchdog/dirproto"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/logger"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/metrics"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/proctable"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/transport"
)

// pulseShutdown is the pulse code that wakes the directory server for
// shutdown.
const pulseShutdown = 1

// serve answers directory requests until a shutdown pulse arrives.
func (s *Supervisor) serve() {
	defer close(s.serverDone)

	log := logger.For(logger.ComponentDirectory)

	for {
		r, err := s.channel.Receive(context.Background())
		if err != nil {
			log.Warnw("directory channel failed", "err", err)
			return
		}

		if r.Pulse {
			if s.aborting.Load() {
				return
			}
			if s.Verbose {
				log.Debugw("pulse", "code", r.Code)
			}
			continue
		}

		if s.aborting.Load() {
			r.Reply(uint32(dirproto.StatusUnavailable), nil)
			continue
		}

		status, reply := s.handle(r.Info, r.Data)
		if err := r.Reply(uint32(status), reply); err != nil && s.Verbose {
			log.Debugw("reply failed", "pid", r.Info.PID, "err", err)
		}
	}
}

// handle answers one request. Bad requests change nothing.
func (s *Supervisor) handle(info transport.Info, data []byte) (dirproto.Status, []byte) {
	msg, err := dirproto.Unmarshal(data)
	if err != nil {
		status := dirproto.StatusOf(err)
		metrics.ObserveRequest("invalid", status.String())
		return status, nil
	}

	var status dirproto.Status
	switch msg := msg.(type) {
	case *dirproto.OK:
		status = s.handleOK(info)
	case *dirproto.Lookup:
		status = s.handleLookup(info, msg)
	case *dirproto.Register:
		status = s.handleRegister(info, msg)
	default:
		status = dirproto.StatusUnknownMessage
	}

	metrics.ObserveRequest(msg.Tag().String(), status.String())

	if status != dirproto.StatusOK {
		return status, nil
	}
	return status, dirproto.Marshal(msg)
}

func (s *Supervisor) handleOK(info transport.Info) dirproto.Status {
	p := s.findBySender(info)
	if p == nil {
		return dirproto.StatusNoSuchProcess
	}

	p.checkIn(time.Now())

	if s.Verbose {
		s.Log.Printf(p.ID, "reset watchdog OK.")
	}

	return dirproto.StatusOK
}

func (s *Supervisor) handleLookup(info transport.Info, msg *dirproto.Lookup) dirproto.Status {
	name := msg.NameString()

	if s.Verbose {
		s.Log.Printf(SupervisorTag, "Watchdog request: find server with ID=%s", name)
	}

	p := s.programByName(name)
	if p == nil {
		return dirproto.StatusNoSuchProcess
	}

	addr, ok, err := p.Address(s.Nodes)
	if err != nil || !ok {
		return dirproto.StatusNotConnected
	}

	// The address is in our node frame; the caller needs it in its own.
	nd, err := s.Nodes.Translate(info.Node, addr.Node)
	if err != nil {
		return dirproto.StatusNotConnected
	}
	addr.Node = nd
	msg.Address = addr

	if s.Verbose {
		s.Log.Printf(SupervisorTag, "Watchdog request: found server with ID=%s: %s", name, addr)
	}

	return dirproto.StatusOK
}

func (s *Supervisor) handleRegister(info transport.Info, msg *dirproto.Register) dirproto.Status {
	if s.Verbose {
		s.Log.Printf(SupervisorTag,
			"Watchdog request: register server for node %d, pid %d", info.Node, info.PID)
	}

	if msg.Chid <= 0 {
		return dirproto.StatusBadMessage
	}

	// The registering process may be a child of the launched one, so the
	// name decides and the pid is only recorded.
	p := s.programByName(msg.NameString())
	if p == nil {
		s.Log.Printf("???",
			"Node %d, process %d tried to register as %q but is not under watchdog control.",
			info.Node, info.PID, msg.NameString())
		return dirproto.StatusNoSuchProgram
	}

	p.register(info.PID, int(msg.Chid))

	s.Journal.Write(&EventProgramRegistered{
		ID:   p.ID,
		PID:  info.PID,
		Chid: int(msg.Chid),
	})

	if s.Verbose {
		s.Log.Printf(p.ID, "registered server at node %d, pid %d, chid %d.",
			info.Node, info.PID, msg.Chid)
	}

	return dirproto.StatusOK
}

// programByName finds a program by logical name.
func (s *Supervisor) programByName(name string) *Program {
	if name == "" {
		return nil
	}
	return s.Program(name)
}

// programByNodePID finds the program launched as or registered from pid on
// the node with the given local descriptor.
func (s *Supervisor) programByNodePID(nd int32, pid int) *Program {
	for _, p := range s.Programs {
		pnd, err := s.Nodes.Lookup(p.Node)
		if err != nil || pnd != nd {
			continue
		}
		if p.hasPID(pid) {
			return p
		}
	}
	return nil
}

// findBySender finds the program that sent a request. Programs may talk to us
// from a child process, so the sender's ancestors are tried as well. Only
// local ancestry can be walked.
func (s *Supervisor) findBySender(info transport.Info) *Program {
	depth := s.Settings.ParentWalkDepth
	if info.Node != 0 {
		depth = 0
	}

	var found *Program
	match := func(pid int) bool {
		found = s.programByNodePID(info.Node, pid)
		return found != nil
	}

	if _, err := proctable.WalkParents(s.Procs, info.PID, depth, match); err != nil {
		return nil
	}

	return found
}
