// Package transport implements message channels over unix domain sockets.
//
// A channel is a socket file named after the owning process and a channel id.
// Clients send one request at a time over a connection and block until the
// channel owner replies. The owner learns the sending process from the
// socket's peer credentials, never from the message.
//
// Sockets only reach processes on the same machine. Addresses naming another
// node are rejected.
package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"git.unix.lgbt/diamondburned/watchdog/watchdog/dirproto"
)

var (
	// ErrClosed is returned after a channel is closed.
	ErrClosed = errors.New("channel closed")
	// ErrRemoteNode is returned when dialing an address on another node.
	ErrRemoteNode = errors.New("remote nodes are not reachable")
)

// SocketPath returns the socket file of a channel.
func SocketPath(runDir string, pid, chid int) string {
	return filepath.Join(runDir, fmt.Sprintf("%d.%d.sock", pid, chid))
}

// Info describes the sender of a request.
type Info struct {
	Node int32
	PID  int
}

// Request is a received request or pulse. Every non-pulse request must be
// replied to exactly once.
type Request struct {
	Info Info
	Data []byte
	// Length is the payload length the sender claimed. It differs from
	// len(Data) for oversized requests.
	Length int

	// Pulse is set for pulses, which carry only a code and take no reply.
	Pulse bool
	Code  int

	conn  net.Conn
	reply chan struct{}
	once  sync.Once
}

// Reply sends the reply and releases the sender's connection for its next
// request.
func (r *Request) Reply(status uint32, data []byte) error {
	if r.Pulse {
		return errors.New("pulses take no reply")
	}

	err := ErrClosed
	r.once.Do(func() {
		err = writeReply(r.conn, status, data)
		close(r.reply)
	})

	return errors.Wrap(err, "failed to reply")
}

// Channel is a receive channel owned by this process.
type Channel struct {
	ln   *net.UnixListener
	path string
	chid int

	requests chan *Request
	done     chan struct{}
	once     sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// Listen creates channel chid of this process inside runDir. A stale socket
// file left by a previous process with the same pid is replaced.
func Listen(runDir string, chid int) (*Channel, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create run directory")
	}

	path := SocketPath(runDir, os.Getpid(), chid)
	os.Remove(path)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.Wrap(err, "failed to listen")
	}
	ln.SetUnlinkOnClose(true)

	c := &Channel{
		ln:       ln,
		path:     path,
		chid:     chid,
		requests: make(chan *Request),
		done:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}

	c.wg.Add(1)
	go c.accept()

	return c, nil
}

// Chid returns the channel id.
func (c *Channel) Chid() int { return c.chid }

// Path returns the socket file.
func (c *Channel) Path() string { return c.path }

// Receive blocks until a request or pulse arrives.
func (c *Channel) Receive(ctx context.Context) (*Request, error) {
	select {
	case r := <-c.requests:
		return r, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pulse queues a pulse with the given code for Receive. It does not block
// past the channel's closure.
func (c *Channel) Pulse(code int) error {
	select {
	case c.requests <- &Request{Pulse: true, Code: code, Info: Info{PID: os.Getpid()}}:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close stops accepting requests and drops every connection.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ln.Close()

		c.mu.Lock()
		for conn := range c.conns {
			conn.Close()
		}
		c.mu.Unlock()

		c.wg.Wait()
	})
	return err
}

func (c *Channel) accept() {
	defer c.wg.Done()

	for {
		conn, err := c.ln.AcceptUnix()
		if err != nil {
			return
		}

		c.mu.Lock()
		select {
		case <-c.done:
			c.mu.Unlock()
			conn.Close()
			return
		default:
			c.conns[conn] = struct{}{}
		}
		c.mu.Unlock()

		c.wg.Add(1)
		go c.serve(conn)
	}
}

func (c *Channel) serve(conn *net.UnixConn) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
		conn.Close()
	}()

	pid, err := peerPID(conn)
	if err != nil {
		return
	}

	for {
		data, length, err := readRequest(conn)
		if err != nil {
			return
		}

		r := &Request{
			Info:   Info{Node: 0, PID: pid},
			Data:   data,
			Length: length,
			conn:   conn,
			reply:  make(chan struct{}),
		}

		select {
		case c.requests <- r:
		case <-c.done:
			return
		}

		select {
		case <-r.reply:
		case <-c.done:
			return
		}
	}
}

// peerPID returns the pid of the process on the other end of conn.
func peerPID(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var cred *unix.Ucred
	var credErr error

	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, errors.Wrap(credErr, "failed to get peer credentials")
	}

	return int(cred.Pid), nil
}

// Conn is a connection to a channel.
type Conn struct {
	mu   sync.Mutex
	conn *net.UnixConn
	addr dirproto.Address
}

// Dial connects to the channel at addr, which must be on the local node.
func Dial(ctx context.Context, runDir string, addr dirproto.Address) (*Conn, error) {
	if addr.Node != 0 {
		return nil, errors.Wrapf(ErrRemoteNode, "node %d", addr.Node)
	}
	if !addr.Valid() {
		return nil, errors.Errorf("invalid address %s", addr)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", SocketPath(runDir, int(addr.PID), int(addr.Chid)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect")
	}

	return &Conn{conn: conn.(*net.UnixConn), addr: addr}, nil
}

// Address returns the address the connection was dialed to.
func (c *Conn) Address() dirproto.Address { return c.addr }

// Send sends a request and waits for its reply. The context's deadline, if
// any, bounds the whole exchange.
func (c *Conn) Send(ctx context.Context, data []byte) (uint32, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := writeRequest(c.conn, data); err != nil {
		return 0, nil, errors.Wrap(err, "failed to send")
	}

	status, reply, err := readReply(c.conn)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to receive reply")
	}

	return status, reply, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
