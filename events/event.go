package events

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	errs "github.com/vinayprograms/procmesh/errors"
	"github.com/vinayprograms/procmesh/logging"
	"github.com/vinayprograms/procmesh/transport"
	"github.com/vinayprograms/procmesh/wire"
)

// Mode declares which sides of an event this process uses.
type Mode int

const (
	// ModeWait subscribes but never posts.
	ModeWait Mode = iota

	// ModePost posts but never subscribes.
	ModePost

	// ModeBoth does both.
	ModeBoth
)

// EventConfig configures an event against a broker.
type EventConfig struct {
	// Mode declares the sides in use; subscription only happens for
	// ModeWait and ModeBoth.
	Mode Mode

	// Host of the broker, default loopback.
	Host string

	// FanInPort and FanOutPort are the broker's ports.
	FanInPort  int
	FanOutPort int

	// BufferSize bounds the local receive buffer; overflow drops. Zero
	// means DefaultBufferSize.
	BufferSize int

	// Clock for wait deadlines; nil means the real clock.
	Clock clock.Clock
}

// Event posts and waits on a named occurrence. Posts carry an id and a
// payload; a waiter asks for one specific id and discards everything else
// it sees. Multiple waiters on the same name each hold their own
// subscription, so one waiter's discards are invisible to the others.
type Event struct {
	name string
	mode Mode
	clk  clock.Clock
	log  zerolog.Logger
	obj  wire.Codec

	host      string
	fanInPort int

	postMu sync.Mutex
	post   *transport.Client

	waitMu sync.Mutex
	sub    net.Conn
	buf    chan [][]byte

	closeMu sync.Mutex
	closed  bool
}

// NewEvent connects an event to the broker. Waiting modes subscribe
// immediately so posts are buffered from this moment on, not from the
// first Wait call.
func NewEvent(name string, cfg EventConfig) (*Event, error) {
	if name == "" {
		return nil, errs.InvalidInput("event name must be non-empty")
	}

	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	e := &Event{
		name:      name,
		mode:      cfg.Mode,
		clk:       clk,
		log:       logging.WithComponent("events.event"),
		obj:       wire.MustCodec(wire.Object),
		host:      host,
		fanInPort: cfg.FanInPort,
	}

	if cfg.Mode == ModePost || cfg.Mode == ModeBoth {
		post, err := transport.NewClient(transport.ClientConfig{Kind: wire.Multipart})
		if err != nil {
			return nil, err
		}
		e.post = post
	}

	if cfg.Mode == ModeWait || cfg.Mode == ModeBoth {
		if err := e.subscribe(host, cfg.FanOutPort, buffer); err != nil {
			if e.post != nil {
				_ = e.post.Close()
			}
			return nil, err
		}
	}
	return e, nil
}

// subscribe dials the fan-out port, announces the name prefix, and starts
// buffering matching messages.
func (e *Event) subscribe(host string, port int, buffer int) error {
	nc, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 5*time.Second)
	if err != nil {
		return errs.WrapWithCode(err, errs.ErrCodeNetworkErr, "subscribe dial failed")
	}
	if err := wire.WriteMessage(nc, [][]byte{[]byte(e.name)}, wire.DefaultLimits()); err != nil {
		_ = nc.Close()
		return errs.WrapWithCode(err, errs.ErrCodeNetworkErr, "subscription send failed")
	}

	e.sub = nc
	e.buf = make(chan [][]byte, buffer)
	go e.readLoop(nc)
	return nil
}

// readLoop buffers incoming messages, dropping when the buffer is full.
func (e *Event) readLoop(nc net.Conn) {
	defer close(e.buf)
	r := bufio.NewReader(nc)
	for {
		frames, err := wire.ReadMessage(r, wire.DefaultLimits())
		if err != nil {
			return
		}
		select {
		case e.buf <- frames:
		default:
			e.log.Warn().Str("event", e.name).Msg("receive buffer full, dropping message")
		}
	}
}

// Post publishes data under the given id.
func (e *Event) Post(id string, data interface{}) error {
	if e.post == nil {
		return errs.New(errs.ErrCodeUnsupported, "event was created wait-only")
	}
	dataFrames, err := e.obj.Encode(data)
	if err != nil {
		return err
	}

	e.postMu.Lock()
	defer e.postMu.Unlock()
	return e.post.Push(e.host, e.fanInPort,
		[][]byte{[]byte(e.name), []byte(id), dataFrames[0]})
}

// Wait blocks until a post with the given id arrives and returns its data.
// Posts with other ids are consumed and discarded. A timeout <= 0 waits
// forever; otherwise the deadline spans the whole wait, not each message.
func (e *Event) Wait(id string, timeout time.Duration) (interface{}, error) {
	if e.sub == nil {
		return nil, errs.New(errs.ErrCodeUnsupported, "event was created post-only")
	}

	e.waitMu.Lock()
	defer e.waitMu.Unlock()

	// Drain what is already buffered before arming any timer; an already
	// posted event must be returned even with a zero-ish timeout.
	for {
		select {
		case frames, ok := <-e.buf:
			if !ok {
				return nil, errs.Closed("event is closed")
			}
			if v, matched, err := e.match(frames, id); matched {
				return v, err
			}
			continue
		default:
		}
		break
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := e.clk.Timer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case frames, ok := <-e.buf:
			if !ok {
				return nil, errs.Closed("event is closed")
			}
			if v, matched, err := e.match(frames, id); matched {
				return v, err
			}
		case <-deadline:
			return nil, errs.Timeout("event " + e.name + " id " + id + " did not occur")
		}
	}
}

// match decodes a buffered message when its name and id both match.
func (e *Event) match(frames [][]byte, id string) (interface{}, bool, error) {
	if len(frames) != 3 {
		return nil, false, nil
	}
	if string(frames[0]) != e.name || string(frames[1]) != id {
		return nil, false, nil
	}
	v, err := e.obj.Decode([][]byte{frames[2]})
	return v, true, err
}

// Close disconnects both sides.
func (e *Event) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var err error
	if e.post != nil {
		err = e.post.Close()
	}
	if e.sub != nil {
		if cerr := e.sub.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
