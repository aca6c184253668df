// Package heartbeat keeps spawned processes from outliving their parent.
// The parent runs a Relay that echoes whatever it receives; every child
// runs a Client that pings the relay each interval and terminates its own
// process the moment an echo goes missing.
package heartbeat

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	errs "github.com/vinayprograms/procmesh/errors"
	"github.com/vinayprograms/procmesh/logging"
	"github.com/vinayprograms/procmesh/wire"
)

// Default cadence of the liveness check.
const (
	DefaultInterval = time.Second
	DefaultTimeout  = time.Second
)

// Relay is the parent-side echo server: every message received on a
// connection is written straight back on it. One relay serves the whole
// process tree.
type Relay struct {
	ln     net.Listener
	log    zerolog.Logger
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewRelay binds the echo server on an ephemeral port.
func NewRelay() (*Relay, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errs.WrapWithCode(err, errs.ErrCodeNetworkErr, "heartbeat bind failed")
	}
	r := &Relay{
		ln:    ln,
		log:   logging.WithComponent("heartbeat.relay"),
		conns: make(map[net.Conn]struct{}),
	}
	r.wg.Add(1)
	go r.acceptLoop()
	return r, nil
}

// Port returns the bound port.
func (r *Relay) Port() int {
	return r.ln.Addr().(*net.TCPAddr).Port
}

// Close stops echoing. Clients of a closed relay terminate themselves on
// their next missed echo, which is the intended failure mode.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for nc := range r.conns {
		_ = nc.Close()
	}
	r.mu.Unlock()

	err := r.ln.Close()
	r.wg.Wait()
	return err
}

func (r *Relay) acceptLoop() {
	defer r.wg.Done()
	for {
		nc, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = nc.Close()
			return
		}
		r.conns[nc] = struct{}{}
		r.mu.Unlock()

		r.wg.Add(1)
		go r.echo(nc)
	}
}

func (r *Relay) echo(nc net.Conn) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.conns, nc)
		r.mu.Unlock()
		_ = nc.Close()
	}()

	br := bufio.NewReader(nc)
	for {
		frames, err := wire.ReadMessage(br, wire.DefaultLimits())
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				r.log.Debug().Err(err).Msg("heartbeat connection lost")
			}
			return
		}
		if err := wire.WriteMessage(nc, frames, wire.DefaultLimits()); err != nil {
			return
		}
	}
}

// ClientConfig configures a heartbeat client.
type ClientConfig struct {
	// Host and Port of the parent's relay.
	Host string
	Port int

	// Interval between pings; zero means DefaultInterval.
	Interval time.Duration

	// Timeout per echo; zero means DefaultTimeout.
	Timeout time.Duration

	// Clock for the ping cadence; nil means the real clock.
	Clock clock.Clock

	// Terminate overrides the kill action. Nil means SIGTERM to this
	// process.
	Terminate func()
}

// Client pings the relay every interval with this process's pid and
// expects the identical bytes back within the timeout. The first missed,
// mangled, or failed echo terminates the process.
//
// Termination is delayable but not cancelable: the client acquires the
// guard lock first, so a critical section holding the guard finishes
// before the process dies.
type Client struct {
	host     string
	port     int
	interval time.Duration
	timeout  time.Duration
	clk      clock.Clock
	term     func()
	log      zerolog.Logger

	guard sync.Mutex

	mu      sync.Mutex
	stopped bool
	stop    chan struct{}
}

// NewClient creates a heartbeat client; Start begins pinging.
func NewClient(cfg ClientConfig) *Client {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	c := &Client{
		host:     host,
		port:     cfg.Port,
		interval: interval,
		timeout:  timeout,
		clk:      clk,
		term:     cfg.Terminate,
		log:      logging.WithComponent("heartbeat.client"),
		stop:     make(chan struct{}),
	}
	if c.term == nil {
		c.term = c.sigterm
	}
	return c
}

// Guard returns the termination guard. Hold it across sections that must
// not be interrupted by self-termination; the client takes it before
// killing the process.
func (c *Client) Guard() *sync.Mutex {
	return &c.guard
}

// Start launches the ping loop on its own goroutine.
func (c *Client) Start() {
	go c.run()
}

// Stop ends the ping loop without terminating. For orderly teardown in
// parents and tests; a monitored child normally never stops its client.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.stop)
	}
}

func (c *Client) run() {
	pid := []byte(strconv.Itoa(os.Getpid()))

	nc, err := net.DialTimeout("tcp",
		net.JoinHostPort(c.host, strconv.Itoa(c.port)), c.timeout)
	if err != nil {
		c.fail(errs.WrapWithCode(err, errs.ErrCodeNetworkErr, "heartbeat dial failed"))
		return
	}
	defer nc.Close()
	br := bufio.NewReader(nc)

	ticker := c.clk.Ticker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		if err := c.beat(nc, br, pid); err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
			c.fail(err)
			return
		}
	}
}

// beat performs one ping/echo exchange.
func (c *Client) beat(nc net.Conn, br *bufio.Reader, pid []byte) error {
	if err := wire.WriteMessage(nc, [][]byte{pid}, wire.DefaultLimits()); err != nil {
		return errs.WrapWithCode(err, errs.ErrCodeNetworkErr, "heartbeat send failed")
	}
	if err := nc.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	frames, err := wire.ReadMessage(br, wire.DefaultLimits())
	if err != nil {
		return errs.WrapWithCode(err, errs.ErrCodeNetworkErr, "heartbeat echo missing")
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], pid) {
		return errs.Internal("heartbeat echo mismatch")
	}
	return nil
}

// fail logs the failure and terminates under the guard. Never returns to
// pinging.
func (c *Client) fail(err error) {
	c.log.Error().Err(err).Msg("heartbeat failure")
	c.guard.Lock()
	defer c.guard.Unlock()
	c.term()
}

// sigterm delivers SIGTERM to this process.
func (c *Client) sigterm() {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		os.Exit(1)
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		os.Exit(1)
	}
}
