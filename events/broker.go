// Package events provides the process tree's pub/sub layer: a Broker that
// forwards posted messages to prefix-subscribed listeners, and an Event for
// posting and waiting on named occurrences addressed by id.
package events

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	errs "github.com/vinayprograms/procmesh/errors"
	"github.com/vinayprograms/procmesh/logging"
	"github.com/vinayprograms/procmesh/transport"
	"github.com/vinayprograms/procmesh/wire"
)

// DefaultBufferSize bounds the per-subscriber forwarding queue.
const DefaultBufferSize = 1000

// BrokerConfig configures a broker.
type BrokerConfig struct {
	// FanInPort and FanOutPort to bind; 0 picks ephemeral ports.
	FanInPort  int
	FanOutPort int

	// BufferSize bounds each subscriber's forwarding queue. Messages
	// beyond it are dropped, never queued unboundedly. Zero means
	// DefaultBufferSize.
	BufferSize int
}

// subscriber is one fan-out connection with its topic prefix filter.
type subscriber struct {
	prefix []byte
	ch     chan [][]byte
}

// Broker relays every message pushed at its fan-in port to all fan-out
// connections whose prefix matches the message's first frame. One broker
// serves an entire process tree; filtering happens at the fan-out edge, so
// the relay itself stays a frame-for-frame forwarder.
type Broker struct {
	buffer int
	log    zerolog.Logger

	fanIn  *transport.Pull
	fanOut net.Listener

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	conns  map[net.Conn]struct{}
	closed bool

	group *errgroup.Group
}

// NewBroker binds both ports and starts the relay.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	fanIn, err := transport.NewPull(transport.PullConfig{
		Kind:   wire.Multipart,
		Port:   cfg.FanInPort,
		Buffer: buffer,
	})
	if err != nil {
		return nil, err
	}

	fanOut, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.FanOutPort)))
	if err != nil {
		_ = fanIn.Close()
		return nil, errs.WrapWithCode(err, errs.ErrCodeNetworkErr, "fan-out bind failed")
	}

	b := &Broker{
		buffer: buffer,
		log:    logging.WithComponent("events.broker"),
		fanIn:  fanIn,
		fanOut: fanOut,
		subs:   make(map[*subscriber]struct{}),
		conns:  make(map[net.Conn]struct{}),
	}

	b.group = &errgroup.Group{}
	b.group.Go(b.relayLoop)
	b.group.Go(b.acceptLoop)
	return b, nil
}

// Ports returns the bound (fanIn, fanOut) ports.
func (b *Broker) Ports() (int, int) {
	return b.fanIn.Port(), b.fanOut.Addr().(*net.TCPAddr).Port
}

// Close stops the relay and disconnects every subscriber.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*subscriber]struct{})
	for nc := range b.conns {
		_ = nc.Close()
	}
	b.mu.Unlock()

	err := b.fanIn.Close()
	if cerr := b.fanOut.Close(); err == nil {
		err = cerr
	}
	_ = b.group.Wait()
	return err
}

// relayLoop forwards fan-in messages to matching subscribers.
func (b *Broker) relayLoop() error {
	for {
		v, err := b.fanIn.Recv(0)
		if err != nil {
			return nil
		}
		frames, ok := v.([][]byte)
		if !ok || len(frames) == 0 {
			continue
		}
		b.dispatch(frames)
	}
}

// dispatch fans one message out to every matching subscriber, dropping it
// for any subscriber whose queue is full.
func (b *Broker) dispatch(frames [][]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !bytes.HasPrefix(frames[0], sub.prefix) {
			continue
		}
		select {
		case sub.ch <- frames:
		default:
			b.log.Warn().
				Str("topic", string(frames[0])).
				Msg("subscriber queue full, dropping message")
		}
	}
}

// acceptLoop handles new fan-out connections.
func (b *Broker) acceptLoop() error {
	for {
		nc, err := b.fanOut.Accept()
		if err != nil {
			return nil
		}
		if !b.trackConn(nc) {
			_ = nc.Close()
			return nil
		}
		b.group.Go(func() error {
			b.serveSubscriber(nc)
			return nil
		})
	}
}

// serveSubscriber reads the connection's subscription prefix, then streams
// matching messages until the subscriber disconnects or the broker closes.
func (b *Broker) serveSubscriber(nc net.Conn) {
	defer nc.Close()
	defer b.untrackConn(nc)

	// The first message on a fan-out connection is the topic prefix.
	r := bufio.NewReader(nc)
	first, err := wire.ReadMessage(r, wire.DefaultLimits())
	if err != nil || len(first) != 1 {
		if err != nil && !errors.Is(err, io.EOF) {
			b.log.Warn().Err(err).Msg("bad subscription handshake")
		}
		return
	}

	sub := &subscriber{
		prefix: first[0],
		ch:     make(chan [][]byte, b.buffer),
	}
	if !b.addSub(sub) {
		return
	}
	defer b.removeSub(sub)

	for frames := range sub.ch {
		if err := wire.WriteMessage(nc, frames, wire.DefaultLimits()); err != nil {
			return
		}
	}
}

func (b *Broker) trackConn(nc net.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.conns[nc] = struct{}{}
	return true
}

func (b *Broker) untrackConn(nc net.Conn) {
	b.mu.Lock()
	delete(b.conns, nc)
	b.mu.Unlock()
}

func (b *Broker) addSub(sub *subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.subs[sub] = struct{}{}
	return true
}

func (b *Broker) removeSub(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
