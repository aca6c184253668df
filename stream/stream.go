// Package stream redirects a child process's stdout and stderr to its
// parent. An Interceptor names a text stream and pushes every write at the
// parent's collection port as a two-frame message: the stream name, then
// the payload bytes.
package stream

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/vinayprograms/procmesh/transport"
	"github.com/vinayprograms/procmesh/wire"
)

// Interceptor is a write-only text stream whose output lands at a remote
// collection port instead of a terminal. It satisfies io.Writer.
type Interceptor struct {
	name string
	host string
	port int

	mu     sync.Mutex
	client *transport.Client
}

// NewInterceptor creates an interceptor for the named stream, pushing at
// host:port.
func NewInterceptor(name, host string, port int) (*Interceptor, error) {
	client, err := transport.NewClient(transport.ClientConfig{Kind: wire.Multipart})
	if err != nil {
		return nil, err
	}
	return &Interceptor{
		name:   name,
		host:   host,
		port:   port,
		client: client,
	}, nil
}

// Write pushes p immediately as [name, payload]. There is no buffering;
// every write is already on the wire when Write returns.
func (i *Interceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	payload := make([]byte, len(p))
	copy(payload, p)
	if err := i.client.Push(i.host, i.port, [][]byte{[]byte(i.name), payload}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush is a no-op; writes are unbuffered.
func (i *Interceptor) Flush() error {
	return nil
}

// IsTerminal reports false: an intercepted stream is never a terminal, so
// programs probing for one disable interactive behavior.
func (i *Interceptor) IsTerminal() bool {
	return false
}

// Name returns the stream name sent with every write.
func (i *Interceptor) Name() string {
	return i.name
}

// Close tears down the push connection.
func (i *Interceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.client.Close()
}

// Redirect swaps the os.Stdout and os.Stderr variables for pipes pumped
// into the two interceptors and returns a restore function. Only writes
// through those Go variables (fmt.Println, log output, anything handed
// os.Stdout) are captured; file descriptors 1 and 2 themselves are not
// re-pointed, so writes bypassing the variables go to the original
// destinations.
func Redirect(stdout, stderr *Interceptor) (restore func(), err error) {
	origOut, origErr := os.Stdout, os.Stderr

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, err
	}

	os.Stdout = outW
	os.Stderr = errW

	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, outR, stdout)
	go pump(&wg, errR, stderr)

	restore = func() {
		os.Stdout = origOut
		os.Stderr = origErr
		_ = outW.Close()
		_ = errW.Close()
		wg.Wait()
	}
	return restore, nil
}

// pump copies the pipe into the interceptor line by line so interleaved
// output stays readable on the parent side.
func pump(wg *sync.WaitGroup, r *os.File, w io.Writer) {
	defer wg.Done()
	defer r.Close()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			_, _ = w.Write(line)
		}
		if err != nil {
			return
		}
	}
}
