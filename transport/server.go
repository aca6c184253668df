package transport

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	errs "github.com/vinayprograms/procmesh/errors"
	"github.com/vinayprograms/procmesh/logging"
	"github.com/vinayprograms/procmesh/wire"
)

// Handler processes one decoded request and returns the reply value. The
// reply is encoded with the server's wire kind.
type Handler func(request interface{}) (interface{}, error)

// ErrorReporter receives handler and connection errors asynchronously.
// Reporting never stops the serve loop.
type ErrorReporter func(err error)

// ServerConfig configures a reply server.
type ServerConfig struct {
	// Kind is the payload encoding for requests and replies.
	Kind wire.Kind

	// Port to bind; 0 picks an ephemeral port.
	Port int

	// Strict controls the reply discipline. When true, every request
	// produces exactly one reply. When false, a handler returning
	// (nil, nil) sends no reply, for dealer-style flows where some
	// requests are fire-and-forget.
	Strict bool

	// Limits bounds message sizes; the zero value means wire.DefaultLimits.
	Limits wire.Limits

	// Reporter receives handler errors and panics. Defaults to logging.
	Reporter ErrorReporter
}

// Server accepts connections and serves each one serially: one request in,
// one reply out. Handler failures become failure replies on Object sockets
// so the peer is never left waiting.
type Server struct {
	codec    wire.Codec
	limits   wire.Limits
	strict   bool
	handler  Handler
	reporter ErrorReporter
	log      zerolog.Logger

	ln     net.Listener
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer binds the listener and starts the accept loop.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	codec, err := wire.NewCodec(cfg.Kind)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errs.InvalidInput("server requires a handler")
	}

	limits := cfg.Limits
	if limits.MaxFrames == 0 {
		limits = wire.DefaultLimits()
	}

	ln, err := listenLoopback(cfg.Port)
	if err != nil {
		return nil, err
	}

	s := &Server{
		codec:    codec,
		limits:   limits,
		strict:   cfg.Strict,
		handler:  handler,
		reporter: cfg.Reporter,
		log:      logging.WithComponent("transport.server"),
		ln:       ln,
		conns:    make(map[net.Conn]struct{}),
	}
	if s.reporter == nil {
		s.reporter = func(err error) {
			s.log.Error().Err(err).Msg("handler failure")
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Port returns the bound port.
func (s *Server) Port() int {
	return boundPort(s.ln)
}

// Close stops accepting, closes every live connection, and waits for the
// serve goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for nc := range s.conns {
		_ = nc.Close()
	}
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		if !s.track(nc) {
			_ = nc.Close()
			return
		}
		s.wg.Add(1)
		go s.serve(newConn(nc))
	}
}

func (s *Server) track(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[nc] = struct{}{}
	return true
}

func (s *Server) untrack(nc net.Conn) {
	s.mu.Lock()
	delete(s.conns, nc)
	s.mu.Unlock()
}

// serve runs one connection's request/reply alternation until the peer
// disconnects or a frame the server cannot answer arrives.
func (s *Server) serve(c *conn) {
	defer s.wg.Done()
	defer s.untrack(c.nc)
	defer c.close()

	for {
		frames, err := c.read(s.limits, noDeadline)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.reporter(errs.WrapWithCode(err, errs.ErrCodeNetworkErr,
					"read request failed"))
			}
			return
		}

		request, err := s.codec.Decode(frames)
		if err != nil {
			if !s.reply(c, nil, err) {
				return
			}
			continue
		}

		reply, err := s.invoke(request)
		if !s.strict && reply == nil && err == nil {
			continue
		}
		if !s.reply(c, reply, err) {
			return
		}
	}
}

// invoke calls the handler with panic containment.
func (s *Server) invoke(request interface{}) (reply interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.RecoverPanic(r)
		}
	}()
	return s.handler(request)
}

// reply encodes and writes one reply, converting a handler error into a
// failure payload in the wire kind's native form so the peer always gets
// its reply. Returns false when the connection must be dropped.
func (s *Server) reply(c *conn, reply interface{}, herr error) bool {
	if herr != nil {
		s.reporter(herr)
		reply = s.failurePayload(herr)
	}

	frames, err := s.codec.Encode(reply)
	if err != nil {
		s.reporter(err)
		frames, err = s.codec.Encode(s.failurePayload(err))
		if err != nil {
			return false
		}
	}

	if err := c.write(frames, s.limits); err != nil {
		s.reporter(errs.WrapWithCode(err, errs.ErrCodeNetworkErr,
			"write reply failed"))
		return false
	}
	return true
}

// failurePayload renders an error as a value the server's wire kind can
// carry: Object replies keep the structured failure, the bytes-oriented
// kinds carry the error text.
func (s *Server) failurePayload(herr error) interface{} {
	switch s.codec.Kind() {
	case wire.Raw:
		return []byte(herr.Error())
	case wire.String:
		return herr.Error()
	case wire.Multipart:
		return [][]byte{[]byte(herr.Error())}
	default:
		return herr
	}
}
