package transport

import (
	"net"
	"strconv"
	"sync"
	"time"

	errs "github.com/vinayprograms/procmesh/errors"
	"github.com/vinayprograms/procmesh/wire"
)

// ClientConfig configures a request/push client.
type ClientConfig struct {
	// Kind is the payload encoding, shared with the servers this client
	// talks to.
	Kind wire.Kind

	// DialTimeout bounds connection establishment. Zero means 5s.
	DialTimeout time.Duration

	// Limits bounds message sizes; the zero value means wire.DefaultLimits.
	Limits wire.Limits
}

// Client sends requests and pushes over cached connections, one per
// (host, port) target. The connection cache and the strict alternation on
// each connection are guarded by a single mutex, so a Client may be shared,
// but the intended shape is one Client per owning goroutine.
//
// Any failed operation discards its connection; the next call re-dials.
type Client struct {
	codec       wire.Codec
	limits      wire.Limits
	dialTimeout time.Duration

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

// NewClient creates a client for the given wire kind.
func NewClient(cfg ClientConfig) (*Client, error) {
	codec, err := wire.NewCodec(cfg.Kind)
	if err != nil {
		return nil, err
	}
	limits := cfg.Limits
	if limits.MaxFrames == 0 {
		limits = wire.DefaultLimits()
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Client{
		codec:       codec,
		limits:      limits,
		dialTimeout: dialTimeout,
		conns:       make(map[string]*conn),
	}, nil
}

// Get sends data to host:port and waits for the reply. A timeout <= 0
// waits forever. On a deadline expiry the connection is discarded and a
// TIMEOUT error returned; a failure reply from the peer is returned as a
// REMOTE_ERR error.
func (c *Client) Get(host string, port int, data interface{}, timeout time.Duration) (interface{}, error) {
	frames, err := c.codec.Encode(data)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cn, err := c.conn(host, port)
	if err != nil {
		return nil, err
	}

	if err := cn.write(frames, c.limits); err != nil {
		c.discard(host, port)
		return nil, errs.WrapWithCode(err, errs.ErrCodeNetworkErr, "send failed")
	}

	deadline := noDeadline
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	reply, err := cn.read(c.limits, deadline)
	if err != nil {
		c.discard(host, port)
		if isTimeout(err) {
			return nil, errs.Timeout("no reply within " + timeout.String())
		}
		return nil, errs.WrapWithCode(err, errs.ErrCodeNetworkErr, "receive failed")
	}

	// A decoded failure reply completes the alternation; keep the
	// connection and surface the peer's error.
	return c.codec.Decode(reply)
}

// Push sends data to host:port without waiting for a reply. Any error
// discards the connection.
func (c *Client) Push(host string, port int, data interface{}) error {
	frames, err := c.codec.Encode(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cn, err := c.conn(host, port)
	if err != nil {
		return err
	}
	if err := cn.write(frames, c.limits); err != nil {
		c.discard(host, port)
		return errs.WrapWithCode(err, errs.ErrCodeNetworkErr, "push failed")
	}
	return nil
}

// Close tears down every cached connection. Further calls fail CLOSED.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for key, cn := range c.conns {
		cn.close()
		delete(c.conns, key)
	}
	return nil
}

// conn returns the cached connection for host:port, dialing on first use.
// Callers hold c.mu.
func (c *Client) conn(host string, port int) (*conn, error) {
	if c.closed {
		return nil, errs.Closed("client is closed")
	}
	key := net.JoinHostPort(host, strconv.Itoa(port))
	if cn, ok := c.conns[key]; ok {
		return cn, nil
	}
	cn, err := dial(host, port, c.dialTimeout)
	if err != nil {
		return nil, err
	}
	c.conns[key] = cn
	return cn, nil
}

// discard closes and forgets the connection for host:port. Callers hold
// c.mu.
func (c *Client) discard(host string, port int) {
	key := net.JoinHostPort(host, strconv.Itoa(port))
	if cn, ok := c.conns[key]; ok {
		cn.close()
		delete(c.conns, key)
	}
}
