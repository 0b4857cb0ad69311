package exec

import (
	"io"
	"os"
	"sync"
)

// FakeOutput stands in for a program's body. It writes the program's log
// output to w and returns its exit code. killed is closed once the process is
// signalled.
type FakeOutput func(w io.Writer, killed <-chan struct{}) int

// FakeProcess is a Process run by a FakeOutput in place of a real program.
type FakeProcess struct {
	pid    int
	kill   sync.Once
	killed chan struct{}
	done   chan struct{}
	status ExitStatus
}

var _ Process = (*FakeProcess)(nil)

// StartFake starts output as process pid. The returned reader is its log pipe,
// which ends when output returns.
func StartFake(pid int, output FakeOutput) (*FakeProcess, io.ReadCloser) {
	r, w := io.Pipe()

	p := &FakeProcess{
		pid:    pid,
		killed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go func() {
		code := output(w, p.killed)
		w.Close()

		p.status = ExitStatus{PID: pid, Code: code}
		close(p.done)
	}()

	return p, r
}

func (p *FakeProcess) PID() int { return p.pid }

// Signal delivers any signal as a kill.
func (p *FakeProcess) Signal(os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}

	p.kill.Do(func() { close(p.killed) })
	return nil
}

func (p *FakeProcess) Kill() error {
	return p.Signal(os.Kill)
}

func (p *FakeProcess) Wait() ExitStatus {
	<-p.done
	return p.status
}
