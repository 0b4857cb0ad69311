package watchdog

import (
	"io"
	"testing"
	"time"

	"git.unix.lgbt/diamondburned/watchdog/watchdog/dirproto"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/nodes"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/proctable"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/settings"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/transport"
)

// newTestProgram creates an initialized program that appears launched as pid.
func newTestProgram(id, node string, pid int) *Program {
	p := &Program{ID: id, Node: node, Args: []string{id}}
	p.init()
	p.launchedPID = pid
	return p
}

func newTestSupervisor(j Journaler, procs proctable.Table, programs ...*Program) *Supervisor {
	set := settings.Default()
	set.HeartbeatInterval = 10 * time.Millisecond
	set.JoinTimeout = time.Second

	s := &Supervisor{
		Settings: set,
		Programs: programs,
		Nodes:    nodes.NewTable("local", "remote"),
		Procs:    procs,
		Log:      NewLogStream(io.Discard),
		Journal:  j,
		Exit:     func(int) {},
	}
	s.setDefaults()
	return s
}

func request(t *testing.T, s *Supervisor, info transport.Info, msg dirproto.Message) (dirproto.Status, dirproto.Message) {
	t.Helper()

	status, data := s.handle(info, dirproto.Marshal(msg))
	if status != dirproto.StatusOK {
		if data != nil {
			t.Errorf("status %v came with a reply", status)
		}
		return status, nil
	}

	reply, err := dirproto.Unmarshal(data)
	if err != nil {
		t.Fatal("failed to decode reply:", err)
	}
	return status, reply
}

func TestDirectoryHeartbeat(t *testing.T) {
	lidar := newTestProgram("lidar", "", 100)
	lidar.Watch = time.Second

	procs := proctable.Fake{
		100: 1,
		105: 100, // child of lidar
		106: 105, // grandchild of lidar
		200: 1,
	}

	s := newTestSupervisor(&mockJournal{}, procs, lidar)

	t.Run("launched", func(t *testing.T) {
		status, _ := request(t, s, transport.Info{PID: 100}, &dirproto.OK{})
		if status != dirproto.StatusOK {
			t.Fatalf("unexpected status %v", status)
		}

		if _, late := lidar.overdue(time.Now()); late {
			t.Error("program is overdue right after checking in")
		}
		if _, late := lidar.overdue(time.Now().Add(2 * time.Second)); !late {
			t.Error("program is not overdue after its watch interval")
		}
	})

	t.Run("descendant", func(t *testing.T) {
		status, _ := request(t, s, transport.Info{PID: 106}, &dirproto.OK{})
		if status != dirproto.StatusOK {
			t.Fatalf("unexpected status %v", status)
		}
	})

	t.Run("too deep", func(t *testing.T) {
		s.Settings.ParentWalkDepth = 1
		defer func() { s.Settings.ParentWalkDepth = settings.Default().ParentWalkDepth }()

		status, _ := request(t, s, transport.Info{PID: 106}, &dirproto.OK{})
		if status != dirproto.StatusNoSuchProcess {
			t.Fatalf("unexpected status %v", status)
		}
	})

	t.Run("stranger", func(t *testing.T) {
		status, _ := request(t, s, transport.Info{PID: 200}, &dirproto.OK{})
		if status != dirproto.StatusNoSuchProcess {
			t.Fatalf("unexpected status %v", status)
		}
	})

	t.Run("remote node", func(t *testing.T) {
		// pid 100 on another node is not lidar.
		status, _ := request(t, s, transport.Info{Node: 1, PID: 100}, &dirproto.OK{})
		if status != dirproto.StatusNoSuchProcess {
			t.Fatalf("unexpected status %v", status)
		}
	})
}

func TestDirectoryRegister(t *testing.T) {
	j := mockJournal{}
	planner := newTestProgram("planner", "", 101)

	s := newTestSupervisor(&j, proctable.Fake{101: 1, 300: 101}, planner)

	status, _ := request(t, s, transport.Info{PID: 55}, dirproto.NewLookup("planner"))
	if status != dirproto.StatusNotConnected {
		t.Fatalf("lookup before registration: unexpected status %v", status)
	}

	// The registering pid is a wrapper's child, not the launched pid.
	status, _ = request(t, s, transport.Info{PID: 300}, dirproto.NewRegister(3, "planner"))
	if status != dirproto.StatusOK {
		t.Fatalf("register: unexpected status %v", status)
	}

	j.Verify(t, true, []Event{
		&EventProgramRegistered{ID: "planner", PID: 300, Chid: 3},
	})

	if pid := planner.bestPID(); pid != 300 {
		t.Errorf("best pid is %d, expected the registered 300", pid)
	}

	// Heartbeats from the registered pid are recognized even without
	// ancestry.
	s.Procs = proctable.Fake{}
	if status, _ := request(t, s, transport.Info{PID: 300}, &dirproto.OK{}); status != dirproto.StatusOK {
		t.Errorf("heartbeat from registered pid: unexpected status %v", status)
	}

	status, reply := request(t, s, transport.Info{PID: 55}, dirproto.NewLookup("planner"))
	if status != dirproto.StatusOK {
		t.Fatalf("lookup: unexpected status %v", status)
	}

	expect := dirproto.Address{Node: nodes.Local, PID: 300, Chid: 3}
	if addr := reply.(*dirproto.Lookup).Address; addr != expect {
		t.Errorf("lookup returned %v, expected %v", addr, expect)
	}
}

func TestDirectoryErrors(t *testing.T) {
	j := mockJournal{}
	s := newTestSupervisor(&j, proctable.Fake{}, newTestProgram("lidar", "", 100))

	type test struct {
		name   string
		data   []byte
		status dirproto.Status
	}

	var tests = []test{
		{"lookup unknown", dirproto.Marshal(dirproto.NewLookup("nobody")), dirproto.StatusNoSuchProcess},
		{"register unknown", dirproto.Marshal(dirproto.NewRegister(2, "nobody")), dirproto.StatusNoSuchProgram},
		{"register no channel", dirproto.Marshal(dirproto.NewRegister(0, "lidar")), dirproto.StatusBadMessage},
		{"short", []byte{1, 2}, dirproto.StatusBadMessage},
		{"unknown tag", []byte("junk"), dirproto.StatusUnknownMessage},
		{"truncated lookup", dirproto.Marshal(dirproto.NewLookup("lidar"))[:8], dirproto.StatusBadMessage},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			status, data := s.handle(transport.Info{PID: 7}, test.data)
			if status != test.status {
				t.Errorf("unexpected status %v, expected %v", status, test.status)
			}
			if data != nil {
				t.Errorf("unexpected reply %v", data)
			}
		})
	}

	// Bad requests change nothing.
	j.Verify(t, true, nil)
	if _, server := s.Program("lidar").PIDs(); server != 0 {
		t.Errorf("bad request registered pid %d", server)
	}
}

func TestDirectoryNodes(t *testing.T) {
	sensor := newTestProgram("sensor", "remote", 400)
	s := newTestSupervisor(&mockJournal{}, proctable.Fake{}, sensor)

	remote, err := s.Nodes.Lookup("remote")
	if err != nil {
		t.Fatal("failed to look up remote node:", err)
	}

	status, _ := request(t, s, transport.Info{Node: remote, PID: 400}, dirproto.NewRegister(2, "sensor"))
	if status != dirproto.StatusOK {
		t.Fatalf("register: unexpected status %v", status)
	}

	lookup := func(observer int32) dirproto.Address {
		t.Helper()

		status, reply := request(t, s, transport.Info{Node: observer, PID: 55}, dirproto.NewLookup("sensor"))
		if status != dirproto.StatusOK {
			t.Fatalf("lookup: unexpected status %v", status)
		}
		return reply.(*dirproto.Lookup).Address
	}

	if addr := lookup(nodes.Local); addr.Node != remote {
		t.Errorf("local lookup returned node %d, expected %d", addr.Node, remote)
	}

	// The sensor's own node sees it as local.
	if addr := lookup(remote); addr.Node != nodes.Local {
		t.Errorf("lookup from the sensor's node returned node %d", addr.Node)
	}

	s.Nodes.Renumber()

	renumbered, err := s.Nodes.Lookup("remote")
	if err != nil {
		t.Fatal("failed to look up remote node:", err)
	}
	if renumbered == remote {
		t.Fatal("renumbering did not change the descriptor")
	}

	if addr := lookup(nodes.Local); addr.Node != renumbered {
		t.Errorf("lookup after renumbering returned stale node %d, expected %d", addr.Node, renumbered)
	}

	// Heartbeats from a remote node are matched by pid only.
	if status, _ := request(t, s, transport.Info{Node: renumbered, PID: 400}, &dirproto.OK{}); status != dirproto.StatusOK {
		t.Errorf("remote heartbeat: unexpected status %v", status)
	}
}
