package stream

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/vinayprograms/procmesh/logging"
	"github.com/vinayprograms/procmesh/transport"
	"github.com/vinayprograms/procmesh/wire"
)

func init() {
	logging.ConfigureTests()
}

func newCollector(t *testing.T) *transport.Pull {
	t.Helper()
	p, err := transport.NewPull(transport.PullConfig{Kind: wire.Multipart})
	if err != nil {
		t.Fatalf("NewPull error: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func recvFrames(t *testing.T, p *transport.Pull) [][]byte {
	t.Helper()
	v, err := p.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("Recv error: %v", err)
	}
	return v.([][]byte)
}

// --- Unit Tests ---

func TestInterceptor_WriteSendsNamedFrames(t *testing.T) {
	collector := newCollector(t)

	out, err := NewInterceptor("stdout", "127.0.0.1", collector.Port())
	if err != nil {
		t.Fatalf("NewInterceptor error: %v", err)
	}
	defer out.Close()

	n, err := out.Write([]byte("hello from child\n"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != len("hello from child\n") {
		t.Errorf("Write = %d bytes", n)
	}

	frames := recvFrames(t, collector)
	if len(frames) != 2 {
		t.Fatalf("frame count = %d, want 2", len(frames))
	}
	if string(frames[0]) != "stdout" {
		t.Errorf("stream name = %q, want stdout", frames[0])
	}
	if string(frames[1]) != "hello from child\n" {
		t.Errorf("payload = %q", frames[1])
	}
}

func TestInterceptor_StreamsKeepTheirNames(t *testing.T) {
	collector := newCollector(t)

	out, err := NewInterceptor("stdout", "127.0.0.1", collector.Port())
	if err != nil {
		t.Fatalf("NewInterceptor error: %v", err)
	}
	defer out.Close()
	errStream, err := NewInterceptor("stderr", "127.0.0.1", collector.Port())
	if err != nil {
		t.Fatalf("NewInterceptor error: %v", err)
	}
	defer errStream.Close()

	fmt.Fprintln(out, "to stdout")
	fmt.Fprintln(errStream, "to stderr")

	byName := map[string]string{}
	for i := 0; i < 2; i++ {
		frames := recvFrames(t, collector)
		byName[string(frames[0])] = string(frames[1])
	}
	if byName["stdout"] != "to stdout\n" {
		t.Errorf("stdout payload = %q", byName["stdout"])
	}
	if byName["stderr"] != "to stderr\n" {
		t.Errorf("stderr payload = %q", byName["stderr"])
	}
}

func TestInterceptor_FlushAndTerminal(t *testing.T) {
	collector := newCollector(t)
	out, err := NewInterceptor("stdout", "127.0.0.1", collector.Port())
	if err != nil {
		t.Fatalf("NewInterceptor error: %v", err)
	}
	defer out.Close()

	if err := out.Flush(); err != nil {
		t.Errorf("Flush error: %v", err)
	}
	if out.IsTerminal() {
		t.Error("IsTerminal() = true, want false")
	}
}

func TestRedirect_CapturesProcessOutput(t *testing.T) {
	collector := newCollector(t)

	out, err := NewInterceptor("stdout", "127.0.0.1", collector.Port())
	if err != nil {
		t.Fatalf("NewInterceptor error: %v", err)
	}
	defer out.Close()
	errStream, err := NewInterceptor("stderr", "127.0.0.1", collector.Port())
	if err != nil {
		t.Fatalf("NewInterceptor error: %v", err)
	}
	defer errStream.Close()

	restore, err := Redirect(out, errStream)
	if err != nil {
		t.Fatalf("Redirect error: %v", err)
	}

	fmt.Fprintln(os.Stdout, "redirected line")
	restore()

	if os.Stdout == nil || os.Stderr == nil {
		t.Fatal("restore left nil standard streams")
	}

	frames := recvFrames(t, collector)
	if string(frames[0]) != "stdout" || string(frames[1]) != "redirected line\n" {
		t.Errorf("captured = [%q, %q]", frames[0], frames[1])
	}
}
