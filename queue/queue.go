// Package queue provides the directional queue pair used between a parent
// and each spawned worker: a WriteQueue pushing objects at a remote
// endpoint and a ReadQueue owning its own receive endpoint.
//
// A ReadQueue carries a second, independent loopback connection to its own
// endpoint so a goroutine blocked in Get can be unblocked by a Put from
// another goroutine, which is how shutdown poison values are delivered.
package queue

import (
	"sync"
	"time"

	"github.com/vinayprograms/procmesh/transport"
	"github.com/vinayprograms/procmesh/wire"
)

// WriteQueue pushes Object payloads at a fixed remote endpoint. Safe for
// concurrent use; sends are serialized by an internal mutex.
type WriteQueue struct {
	mu     sync.Mutex
	client *transport.Client
	host   string
	port   int
}

// NewWriteQueue creates a queue writing to host:port.
func NewWriteQueue(host string, port int) (*WriteQueue, error) {
	client, err := transport.NewClient(transport.ClientConfig{Kind: wire.Object})
	if err != nil {
		return nil, err
	}
	return &WriteQueue{client: client, host: host, port: port}, nil
}

// Put sends one object. Unserializable values fail with INVALID_INPUT
// before anything is sent.
func (q *WriteQueue) Put(v interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.client.Push(q.host, q.port, v)
}

// Close tears down the underlying connection.
func (q *WriteQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.client.Close()
}

// ReadQueue owns a receive endpoint and merges everything pushed at it.
// Get and Put hold separate locks over separate connections, so a blocked
// Get never prevents a Put.
type ReadQueue struct {
	getMu sync.Mutex
	pull  *transport.Pull

	putMu sync.Mutex
	self  *transport.Client
}

// NewReadQueue binds a receive endpoint on an ephemeral port and opens the
// loopback writer to it.
func NewReadQueue() (*ReadQueue, error) {
	pull, err := transport.NewPull(transport.PullConfig{Kind: wire.Object})
	if err != nil {
		return nil, err
	}
	self, err := transport.NewClient(transport.ClientConfig{Kind: wire.Object})
	if err != nil {
		_ = pull.Close()
		return nil, err
	}
	return &ReadQueue{pull: pull, self: self}, nil
}

// Port returns the bound receive port.
func (q *ReadQueue) Port() int {
	return q.pull.Port()
}

// Get returns the next object. A timeout <= 0 blocks until something
// arrives or the queue closes; a positive timeout fails with TIMEOUT when
// it elapses.
func (q *ReadQueue) Get(timeout time.Duration) (interface{}, error) {
	q.getMu.Lock()
	defer q.getMu.Unlock()
	return q.pull.Recv(timeout)
}

// Put delivers an object to this queue's own endpoint via the loopback
// connection. Used to hand a blocked Get a value from another goroutine.
func (q *ReadQueue) Put(v interface{}) error {
	q.putMu.Lock()
	defer q.putMu.Unlock()
	return q.self.Push("127.0.0.1", q.pull.Port(), v)
}

// Close closes the loopback writer and the receive endpoint. A Get blocked
// at the time fails with CLOSED.
func (q *ReadQueue) Close() error {
	q.putMu.Lock()
	err := q.self.Close()
	q.putMu.Unlock()

	if cerr := q.pull.Close(); err == nil {
		err = cerr
	}
	return err
}
