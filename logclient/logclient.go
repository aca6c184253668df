// Package logclient speaks to an external log-aggregation server: many
// processes append lines to shared log files through one server that owns
// the file handles.
//
// Every request starts with an empty delimiter frame. Log writes are
// fire-and-forget and never acknowledged; the remaining operations are
// request/reply.
package logclient

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	errs "github.com/vinayprograms/procmesh/errors"
	"github.com/vinayprograms/procmesh/logging"
	"github.com/vinayprograms/procmesh/transport"
	"github.com/vinayprograms/procmesh/wire"
)

// ProtocolVersion is the protocol revision this client implements.
const ProtocolVersion = "1.0.0"

// DefaultPort is the log server's conventional port.
const DefaultPort = 7340

// Client talks to one log server. A fresh unique client id is minted per
// Client; the server uses it to track which writers still hold a file
// open.
type Client struct {
	host    string
	port    int
	timeout time.Duration
	id      []byte
	log     zerolog.Logger

	mu sync.Mutex
	tc *transport.Client
}

// Config configures a log client.
type Config struct {
	// Host and Port of the log server. Zero port means DefaultPort.
	Host string
	Port int

	// Timeout bounds every request/reply call. Zero means 5s.
	Timeout time.Duration
}

// NewClient creates a client with a fresh client id.
func NewClient(cfg Config) (*Client, error) {
	tc, err := transport.NewClient(transport.ClientConfig{Kind: wire.Multipart})
	if err != nil {
		return nil, err
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		host:    host,
		port:    port,
		timeout: timeout,
		id:      []byte(uuid.NewString()),
		log:     logging.WithComponent("logclient"),
		tc:      tc,
	}, nil
}

// ClientID returns this client's unique id as sent to the server.
func (c *Client) ClientID() string {
	return string(c.id)
}

// Hello confirms the server is up and answering.
func (c *Client) Hello() error {
	reply, err := c.request("hello")
	if err != nil {
		return err
	}
	if reply != "hello" {
		return errs.Newf(errs.ErrCodeRemote, "unexpected hello reply %q", reply)
	}
	return nil
}

// ServerProtocol asks the server which protocol revision it speaks.
func (c *Client) ServerProtocol() (string, error) {
	return c.request("protocol")
}

// CheckAccess asks whether the server can append to path right now. A
// denial carries the server's error text. Access can still be lost later;
// log writes are never individually confirmed.
func (c *Client) CheckAccess(path string) error {
	reply, err := c.request("check_access", []byte(path))
	if err != nil {
		return err
	}
	if reply != "ok" {
		return errs.Remote("ACCESS", reply)
	}
	return nil
}

// Log appends one message to path. Fire-and-forget: no reply, no delivery
// confirmation, and malformed requests are silently dropped server-side.
func (c *Client) Log(path, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tc.Push(c.host, c.port,
		[][]byte{{}, []byte("log"), c.id, []byte(path), []byte(message)})
}

// CloseFile tells the server this client is done with path, so the file
// can close as soon as every writer has done the same.
func (c *Client) CloseFile(path string) error {
	reply, err := c.request("close", c.id, []byte(path))
	if err != nil {
		return err
	}
	if reply != "ok" {
		return errs.Newf(errs.ErrCodeRemote, "unexpected close reply %q", reply)
	}
	return nil
}

// Close tears down the connection. The server eventually times idle
// writers out, but an explicit CloseFile first is friendlier.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tc.Close()
}

// request performs one delimited request/reply exchange and returns the
// reply payload as text.
func (c *Client) request(command string, args ...[]byte) (string, error) {
	frames := make([][]byte, 0, 2+len(args))
	frames = append(frames, []byte{}, []byte(command))
	frames = append(frames, args...)

	c.mu.Lock()
	defer c.mu.Unlock()
	reply, err := c.tc.Get(c.host, c.port, frames, c.timeout)
	if err != nil {
		return "", err
	}
	parts, ok := reply.([][]byte)
	if !ok || len(parts) != 2 || len(parts[0]) != 0 {
		return "", errs.Newf(errs.ErrCodeRemote, "malformed %s reply", command)
	}
	return string(parts[1]), nil
}
