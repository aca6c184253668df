package transport

import (
	"bufio"
	"net"
	"strconv"
	"time"

	errs "github.com/vinayprograms/procmesh/errors"
	"github.com/vinayprograms/procmesh/wire"
)

// noDeadline clears a connection's read deadline.
var noDeadline = time.Time{}

// conn pairs a TCP connection with its buffered reader so partially read
// frames survive across messages.
type conn struct {
	nc net.Conn
	r  *bufio.Reader
}

func newConn(nc net.Conn) *conn {
	return &conn{nc: nc, r: bufio.NewReader(nc)}
}

// dial opens a connection to host:port within timeout.
func dial(host string, port int, timeout time.Duration) (*conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errs.WrapWithCode(err, errs.ErrCodeNetworkErr,
			"dial "+addr+" failed")
	}
	return newConn(nc), nil
}

// read reads one message, honoring deadline when nonzero.
func (c *conn) read(limits wire.Limits, deadline time.Time) ([][]byte, error) {
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	return wire.ReadMessage(c.r, limits)
}

func (c *conn) write(frames [][]byte, limits wire.Limits) error {
	return wire.WriteMessage(c.nc, frames, limits)
}

func (c *conn) close() {
	_ = c.nc.Close()
}

// isTimeout reports whether err is a read deadline expiry.
func isTimeout(err error) bool {
	nerr, ok := err.(net.Error)
	return ok && nerr.Timeout()
}

// listenLoopback binds a TCP listener on the loopback interface.
func listenLoopback(port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, errs.WrapWithCode(err, errs.ErrCodeNetworkErr, "bind failed")
	}
	return ln, nil
}

// boundPort extracts the port a listener landed on.
func boundPort(ln net.Listener) int {
	return ln.Addr().(*net.TCPAddr).Port
}
