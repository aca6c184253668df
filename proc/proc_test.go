package proc

import (
	"fmt"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/vinayprograms/procmesh/config"
	errs "github.com/vinayprograms/procmesh/errors"
	"github.com/vinayprograms/procmesh/logging"
	"github.com/vinayprograms/procmesh/transport"
	"github.com/vinayprograms/procmesh/wire"
)

func init() {
	logging.ConfigureTests()
}

// testRegistry holds the units the helper process can run. Parent and
// child share this binary, so one init block serves both sides.
var testRegistry = NewRegistry()

func init() {
	testRegistry.MustRegister("echo-args", func(c *Child, args []interface{}, kwargs map[string]interface{}) error {
		if err := c.ToParent().Put([]interface{}{args, kwargs}); err != nil {
			return err
		}
		for {
			v, err := c.FromParent().Get(30 * time.Second)
			if err != nil {
				return err
			}
			if s, ok := v.(string); ok && s == "stop" {
				return nil
			}
			if err := c.ToParent().Put(v); err != nil {
				return err
			}
		}
	})

	testRegistry.MustRegister("sleeper", func(c *Child, args []interface{}, kwargs map[string]interface{}) error {
		if err := c.ToParent().Put("sleeping"); err != nil {
			return err
		}
		select {}
	})

	testRegistry.MustRegister("printer", func(c *Child, args []interface{}, kwargs map[string]interface{}) error {
		fmt.Println("printed line")
		return nil
	})
}

// TestHelperProcess is the child side of the spawn tests. It only acts
// when re-executed by Spawn with the helper marker set.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("PROCMESH_HELPER") != "1" {
		return
	}

	sep := -1
	for i, arg := range os.Args {
		if arg == "--" {
			sep = i
			break
		}
	}
	if sep < 0 || sep+1 >= len(os.Args) {
		fmt.Fprintln(os.Stderr, "helper: no spawn argv")
		os.Exit(2)
	}

	child, err := Connect(os.Args[sep+1:], testRegistry, config.Default())
	if err != nil {
		fmt.Fprintln(os.Stderr, "helper:", err)
		os.Exit(2)
	}
	if err := child.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "helper:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func helperOptions() SpawnOptions {
	return SpawnOptions{
		Command: []string{os.Args[0], "-test.run=TestHelperProcess$", "--"},
		Env:     []string{"PROCMESH_HELPER=1"},
	}
}

func waitWithin(t *testing.T, w *Worker, d time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		t.Fatal("worker did not exit in time")
		return nil
	}
}

// --- Unit Tests ---

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	unit := func(c *Child, args []interface{}, kwargs map[string]interface{}) error { return nil }

	if err := r.Register("worker", unit); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := r.Register("worker", unit); !errs.Is(err, errs.ErrCodeAlreadyExists) {
		t.Errorf("duplicate Register error = %v, want ALREADY_EXISTS", err)
	}
	if err := r.Register("", unit); !errs.Is(err, errs.ErrCodeInvalidInput) {
		t.Errorf("empty name Register error = %v, want INVALID_INPUT", err)
	}

	if _, err := r.Resolve("worker"); err != nil {
		t.Errorf("Resolve error: %v", err)
	}
	if _, err := r.Resolve("missing"); !errs.Is(err, errs.ErrCodeNotFound) {
		t.Errorf("Resolve(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestParseSpawnArgs(t *testing.T) {
	tests := []struct {
		name    string
		argv    []string
		wantErr bool
	}{
		{"valid", []string{"5000", "5001", "0", "5002", "5003", "lab"}, false},
		{"empty prefix", []string{"5000", "5001", "5004", "5002", "5003", ""}, false},
		{"too few", []string{"5000", "5001"}, true},
		{"non-numeric port", []string{"5000", "x", "0", "5002", "5003", ""}, true},
		{"negative port", []string{"5000", "-1", "0", "5002", "5003", ""}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sa, err := parseSpawnArgs(tt.argv)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && sa.parentPort != 5000 {
				t.Errorf("parentPort = %d, want 5000", sa.parentPort)
			}
		})
	}
}

func TestChildLockPrefix(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{"empty stays empty", "", ""},
		{"child gains suffix", "lab", "labsub"},
		{"grandchild keeps it", "labsub", "labsub"},
		{"bare suffix is stable", "sub", "sub"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := childLockPrefix(tt.prefix); got != tt.want {
				t.Errorf("childLockPrefix(%q) = %q, want %q", tt.prefix, got, tt.want)
			}
		})
	}
}

func TestSpawn_DeliversArgsAndKwargs(t *testing.T) {
	tree := NewTree(config.Default())
	defer tree.Close()

	args := []interface{}{1, 2}
	kwargs := map[string]interface{}{"x": 3}

	w, err := tree.Spawn("echo-args", args, kwargs, helperOptions())
	if err != nil {
		t.Fatalf("Spawn error: %v", err)
	}
	if w.Unit() != "echo-args" || w.Pid() <= 0 {
		t.Errorf("worker handle = %q pid %d", w.Unit(), w.Pid())
	}

	v, err := w.FromChild().Get(15 * time.Second)
	if err != nil {
		t.Fatalf("report Get error: %v", err)
	}
	report, ok := v.([]interface{})
	if !ok || len(report) != 2 {
		t.Fatalf("report = %#v", v)
	}
	if !reflect.DeepEqual(report[0], args) {
		t.Errorf("args = %#v, want %#v", report[0], args)
	}
	if !reflect.DeepEqual(report[1], kwargs) {
		t.Errorf("kwargs = %#v, want %#v", report[1], kwargs)
	}

	// The queue pair works both ways.
	if err := w.ToChild().Put("ping"); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	echo, err := w.FromChild().Get(15 * time.Second)
	if err != nil {
		t.Fatalf("echo Get error: %v", err)
	}
	if echo.(string) != "ping" {
		t.Errorf("echo = %v, want ping", echo)
	}

	if err := w.ToChild().Put("stop"); err != nil {
		t.Fatalf("stop Put error: %v", err)
	}
	if err := waitWithin(t, w, 15*time.Second); err != nil {
		t.Errorf("worker exit error: %v", err)
	}
}

func TestWorker_TerminateKillsWithinBoundedTime(t *testing.T) {
	tree := NewTree(config.Default())
	defer tree.Close()

	w, err := tree.Spawn("sleeper", nil, nil, helperOptions())
	if err != nil {
		t.Fatalf("Spawn error: %v", err)
	}

	if _, err := w.FromChild().Get(15 * time.Second); err != nil {
		t.Fatalf("report Get error: %v", err)
	}

	if err := w.Terminate(); err != nil {
		t.Fatalf("Terminate error: %v", err)
	}
	// A killed worker reports its signal; what matters is that it is gone
	// promptly.
	_ = waitWithin(t, w, 10*time.Second)
}

func TestSpawn_OutputInterception(t *testing.T) {
	collector, err := transport.NewPull(transport.PullConfig{Kind: wire.Multipart})
	if err != nil {
		t.Fatalf("NewPull error: %v", err)
	}
	defer collector.Close()

	tree := NewTree(config.Default())
	defer tree.Close()

	opts := helperOptions()
	opts.OutputPort = collector.Port()

	w, err := tree.Spawn("printer", nil, nil, opts)
	if err != nil {
		t.Fatalf("Spawn error: %v", err)
	}

	// The child's own diagnostics also land here; scan for the unit's
	// print among them.
	deadline := time.After(15 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("intercepted stdout never arrived")
		default:
		}
		v, err := collector.Recv(15 * time.Second)
		if err != nil {
			t.Fatalf("Recv error: %v", err)
		}
		frames := v.([][]byte)
		if len(frames) == 2 && string(frames[0]) == "stdout" &&
			string(frames[1]) == "printed line\n" {
			break
		}
	}

	if err := waitWithin(t, w, 15*time.Second); err != nil {
		t.Errorf("worker exit error: %v", err)
	}
}

func TestSpawn_UnknownUnitFailsInChild(t *testing.T) {
	tree := NewTree(config.Default())
	defer tree.Close()

	// The parent side of the handshake succeeds; the child then fails to
	// resolve the unit and exits nonzero.
	w, err := tree.Spawn("no-such-unit", nil, nil, helperOptions())
	if err != nil {
		t.Fatalf("Spawn error: %v", err)
	}
	if err := waitWithin(t, w, 15*time.Second); err == nil {
		t.Error("worker exited cleanly despite an unknown unit")
	}
}

func TestSpawn_HandshakeTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Spawn.HandshakeTimeout = config.Duration(500 * time.Millisecond)
	tree := NewTree(cfg)
	defer tree.Close()

	// Without the helper marker the re-executed test binary never
	// connects back, so the port report never comes.
	opts := helperOptions()
	opts.Env = nil

	_, err := tree.Spawn("echo-args", nil, nil, opts)
	if !errs.Is(err, errs.ErrCodeSpawnFailed) {
		t.Fatalf("Spawn error = %v, want SPAWN_FAILED", err)
	}
}

func TestTree_SingletonPortsAreStable(t *testing.T) {
	tree := NewTree(config.Default())
	defer tree.Close()

	fanIn1, fanOut1, err := tree.BrokerPorts()
	if err != nil {
		t.Fatalf("BrokerPorts error: %v", err)
	}
	fanIn2, fanOut2, err := tree.BrokerPorts()
	if err != nil {
		t.Fatalf("BrokerPorts error: %v", err)
	}
	if fanIn1 != fanIn2 || fanOut1 != fanOut2 {
		t.Error("broker ports changed between calls")
	}

	hb1, err := tree.HeartbeatPort()
	if err != nil {
		t.Fatalf("HeartbeatPort error: %v", err)
	}
	hb2, err := tree.HeartbeatPort()
	if err != nil {
		t.Fatalf("HeartbeatPort error: %v", err)
	}
	if hb1 != hb2 {
		t.Error("heartbeat port changed between calls")
	}
}
