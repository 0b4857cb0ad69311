// Package msgport is the client side of the directory protocol, used by
// supervised programs to find the supervisor, announce their own channel and
// reach their peers by logical name.
//
// Addresses are never kept beyond a working connection. Any failed exchange
// drops the connection, and the next call resolves the address again.
package msgport

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"git.unix.lgbt/diamondburned/watchdog/watchdog/dirproto"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/logger"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/nodes"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/settings"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/transport"
)

// Options configures a port.
type Options struct {
	// Bootstrap is the supervisor address. The zero value reads it from the
	// environment.
	Bootstrap Bootstrap
	// RunDir is the socket directory; defaults to the bootstrap's, then to
	// settings.DefaultRunDir.
	RunDir string
	// Chid is the channel id a ServerPort creates; defaults to DefaultChid.
	Chid int
	// Nodes resolves the supervisor's node name. Nil treats every node name
	// as the local node.
	Nodes *nodes.Table
	// Timeout bounds each exchange. Zero means no timeout.
	Timeout time.Duration
	// Verbose logs communication failures.
	Verbose bool
}

// Port talks to the supervisor on behalf of one logical name.
type Port struct {
	name string
	opts Options
	log  *zap.SugaredLogger

	mu       sync.Mutex
	watchdog *transport.Conn
}

// NewPort creates a port for the given logical name. An empty name uses $ID.
func NewPort(name string, opts Options) *Port {
	if name == "" {
		name = os.Getenv(EnvID)
	}
	if opts.RunDir == "" {
		opts.RunDir = opts.Bootstrap.RunDir
	}
	if opts.RunDir == "" {
		// Reads the run directory injected by the supervisor.
		opts.RunDir = settings.DefaultRunDir()
	}

	return &Port{
		name: name,
		opts: opts,
		log:  logger.For(logger.ComponentMsgPort).With("name", name),
	}
}

// Name returns the port's logical name.
func (p *Port) Name() string { return p.name }

func (p *Port) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.Timeout > 0 {
		return context.WithTimeout(ctx, p.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func (p *Port) watchdogAddress() (dirproto.Address, error) {
	b := p.opts.Bootstrap
	if b == (Bootstrap{}) {
		var err error
		if b, err = BootstrapFromEnv(); err != nil {
			return dirproto.Address{}, err
		}
	}

	addr := dirproto.Address{PID: int32(b.PID), Chid: int32(b.Chid)}
	if p.opts.Nodes != nil {
		nd, err := p.opts.Nodes.Lookup(b.Node)
		if err != nil {
			return addr, errors.Wrap(err, "failed to resolve watchdog node")
		}
		addr.Node = nd
	}

	return addr, nil
}

// connect returns the supervisor connection, dialing if needed. The caller
// holds mu.
func (p *Port) connect(ctx context.Context) (*transport.Conn, error) {
	if p.watchdog != nil {
		return p.watchdog, nil
	}

	addr, err := p.watchdogAddress()
	if err != nil {
		return nil, err
	}

	conn, err := transport.Dial(ctx, p.opts.RunDir, addr)
	if err != nil {
		if p.opts.Verbose {
			p.log.Warnw("cannot communicate with watchdog", "err", err)
		}
		return nil, err
	}

	p.watchdog = conn
	return conn, nil
}

// detach drops the supervisor connection. The caller holds mu.
func (p *Port) detach() {
	if p.watchdog != nil {
		p.watchdog.Close()
		p.watchdog = nil
	}
}

// call sends msg to the supervisor and decodes the reply into a message of
// the same kind.
func (p *Port) call(ctx context.Context, msg dirproto.Message) (dirproto.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	conn, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}

	status, data, err := conn.Send(ctx, dirproto.Marshal(msg))
	if err != nil {
		p.detach()
		return nil, errors.Wrap(err, "unable to communicate with watchdog")
	}

	if err := dirproto.Status(status).Err(); err != nil {
		return nil, err
	}

	reply, err := dirproto.Unmarshal(data)
	if err != nil {
		p.detach()
		return nil, errors.Wrap(err, "invalid reply from watchdog")
	}
	if reply.Tag() != msg.Tag() {
		p.detach()
		return nil, errors.Errorf("watchdog replied %s to %s", reply.Tag(), msg.Tag())
	}

	return reply, nil
}

// Heartbeat tells the supervisor this program is alive.
func (p *Port) Heartbeat(ctx context.Context) error {
	_, err := p.call(ctx, &dirproto.OK{})
	return err
}

// Lookup asks the supervisor for the current address of a logical name. The
// address is only valid until the next network reset.
func (p *Port) Lookup(ctx context.Context, name string) (dirproto.Address, error) {
	reply, err := p.call(ctx, dirproto.NewLookup(name))
	if err != nil {
		return dirproto.Address{}, err
	}
	return reply.(*dirproto.Lookup).Address, nil
}

// Register announces chid as the channel serving the port's name.
func (p *Port) Register(ctx context.Context, chid int) error {
	if p.name == "" {
		return errors.New("port has no name")
	}
	_, err := p.call(ctx, dirproto.NewRegister(int32(chid), p.name))
	return err
}

// Close drops the supervisor connection.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.detach()
	return nil
}

// ServerPort is a port that owns a receive channel registered under its name.
type ServerPort struct {
	*Port
	ch *transport.Channel
}

// DefaultChid is the channel id servers create.
const DefaultChid = 1

// NewServerPort creates a channel and registers it with the supervisor. The
// channel is destroyed again if registration fails.
func NewServerPort(ctx context.Context, name string, opts Options) (*ServerPort, error) {
	port := NewPort(name, opts)

	chid := opts.Chid
	if chid == 0 {
		chid = DefaultChid
	}

	ch, err := transport.Listen(port.opts.RunDir, chid)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create channel")
	}

	if err := port.Register(ctx, ch.Chid()); err != nil {
		ch.Close()
		port.Close()
		return nil, errors.Wrap(err, "failed to register with watchdog")
	}

	return &ServerPort{Port: port, ch: ch}, nil
}

// Receive waits for the next request, bounded by the port's timeout.
func (s *ServerPort) Receive(ctx context.Context) (*transport.Request, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.ch.Receive(ctx)
}

// Close destroys the channel.
func (s *ServerPort) Close() error {
	s.Port.Close()
	return s.ch.Close()
}

// ClientPort sends requests to the program registered under a logical name.
type ClientPort struct {
	*Port
	target string

	cmu  sync.Mutex
	conn *transport.Conn
	// Backoff is used while the target has not registered yet. Defaults to
	// an exponential backoff bounded by a few seconds.
	Backoff func() backoff.BackOff
}

// NewClientPort creates a port named name that talks to target.
func NewClientPort(name, target string, opts Options) *ClientPort {
	return &ClientPort{
		Port:    NewPort(name, opts),
		target:  target,
		Backoff: defaultBackoff,
	}
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// Target returns the name of the server.
func (c *ClientPort) Target() string { return c.target }

// attach resolves and dials the target unless already connected. The caller
// holds cmu.
func (c *ClientPort) attach(ctx context.Context) (*transport.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	if c.opts.Verbose {
		c.log.Debugw("attaching to server", "target", c.target)
	}

	var addr dirproto.Address
	lookup := func() error {
		a, err := c.Lookup(ctx, c.target)
		if err != nil {
			if errors.Is(err, dirproto.ErrNotConnected) {
				return err
			}
			return backoff.Permanent(err)
		}
		addr = a
		return nil
	}

	if err := backoff.Retry(lookup, backoff.WithContext(c.Backoff(), ctx)); err != nil {
		return nil, errors.Wrapf(err, "could not get %q from watchdog", c.target)
	}

	conn, err := transport.Dial(ctx, c.opts.RunDir, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "got %q at %s but cannot connect", c.target, addr)
	}

	c.conn = conn
	return conn, nil
}

// Send sends a request to the target, connecting first if needed. A failed
// exchange drops the connection.
func (c *ClientPort) Send(ctx context.Context, data []byte) (uint32, []byte, error) {
	c.cmu.Lock()
	defer c.cmu.Unlock()

	conn, err := c.attach(ctx)
	if err != nil {
		return 0, nil, err
	}

	sctx, cancel := c.withTimeout(ctx)
	defer cancel()

	status, reply, err := conn.Send(sctx, data)
	if err != nil {
		if c.opts.Verbose {
			c.log.Warnw("send failed", "target", c.target, "err", err)
		}
		c.conn.Close()
		c.conn = nil
		return 0, nil, err
	}

	return status, reply, nil
}

// Close drops both connections.
func (c *ClientPort) Close() error {
	c.cmu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.cmu.Unlock()

	return c.Port.Close()
}
