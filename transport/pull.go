package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	errs "github.com/vinayprograms/procmesh/errors"
	"github.com/vinayprograms/procmesh/logging"
	"github.com/vinayprograms/procmesh/wire"
)

// PullConfig configures a fan-in pull socket.
type PullConfig struct {
	// Kind is the payload encoding pushed by senders.
	Kind wire.Kind

	// Port to bind; 0 picks an ephemeral port.
	Port int

	// Buffer is the merged channel capacity. Zero means 1000.
	Buffer int

	// Limits bounds message sizes; the zero value means wire.DefaultLimits.
	Limits wire.Limits
}

// Pull binds a listener and merges pushed messages from all connected
// senders into one channel. Messages from a single sender arrive in the
// order sent; ordering across senders is not defined.
type Pull struct {
	codec  wire.Codec
	limits wire.Limits
	log    zerolog.Logger

	ln     net.Listener
	ch     chan interface{}
	done   chan struct{}
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewPull binds the fan-in listener and starts accepting senders.
func NewPull(cfg PullConfig) (*Pull, error) {
	codec, err := wire.NewCodec(cfg.Kind)
	if err != nil {
		return nil, err
	}
	limits := cfg.Limits
	if limits.MaxFrames == 0 {
		limits = wire.DefaultLimits()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1000
	}

	ln, err := listenLoopback(cfg.Port)
	if err != nil {
		return nil, err
	}

	p := &Pull{
		codec:  codec,
		limits: limits,
		log:    logging.WithComponent("transport.pull"),
		ln:     ln,
		ch:     make(chan interface{}, buffer),
		done:   make(chan struct{}),
		conns:  make(map[net.Conn]struct{}),
	}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

// Port returns the bound port.
func (p *Pull) Port() int {
	return boundPort(p.ln)
}

// Recv returns the next merged message. A timeout <= 0 blocks until a
// message arrives or the socket closes.
func (p *Pull) Recv(timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		v, ok := <-p.ch
		if !ok {
			return nil, errs.Closed("pull socket is closed")
		}
		return v, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v, ok := <-p.ch:
		if !ok {
			return nil, errs.Closed("pull socket is closed")
		}
		return v, nil
	case <-timer.C:
		return nil, errs.Timeout("no message within " + timeout.String())
	}
}

// Close stops accepting, disconnects every sender, and closes the merged
// channel once all readers have drained.
func (p *Pull) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	for nc := range p.conns {
		_ = nc.Close()
	}
	p.mu.Unlock()

	err := p.ln.Close()
	p.wg.Wait()
	close(p.ch)
	return err
}

func (p *Pull) acceptLoop() {
	defer p.wg.Done()
	for {
		nc, err := p.ln.Accept()
		if err != nil {
			return
		}
		if !p.track(nc) {
			_ = nc.Close()
			return
		}
		p.wg.Add(1)
		go p.readLoop(newConn(nc))
	}
}

func (p *Pull) track(nc net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.conns[nc] = struct{}{}
	return true
}

func (p *Pull) untrack(nc net.Conn) {
	p.mu.Lock()
	delete(p.conns, nc)
	p.mu.Unlock()
}

// readLoop decodes one sender's pushes in order into the merged channel.
func (p *Pull) readLoop(c *conn) {
	defer p.wg.Done()
	defer p.untrack(c.nc)
	defer c.close()

	for {
		frames, err := c.read(p.limits, noDeadline)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.log.Warn().Err(err).Msg("sender connection failed")
			}
			return
		}
		v, err := p.codec.Decode(frames)
		if err != nil {
			p.log.Warn().Err(err).Msg("dropping undecodable push")
			continue
		}
		if !p.deliver(v) {
			return
		}
	}
}

// deliver blocks until the merged channel accepts v or the socket closes.
func (p *Pull) deliver(v interface{}) bool {
	select {
	case p.ch <- v:
		return true
	case <-p.done:
		return false
	}
}
