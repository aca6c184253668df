package proc

import (
	"os"
	"os/exec"
	"strconv"
	"time"

	errs "github.com/vinayprograms/procmesh/errors"
	"github.com/vinayprograms/procmesh/queue"
	"github.com/vinayprograms/procmesh/wire"
)

// handshake is the first object a parent sends down a fresh worker's
// queue: which unit to run and with what arguments.
type handshake struct {
	Unit   string
	Args   []interface{}
	Kwargs map[string]interface{}
}

func init() {
	wire.Register(handshake{})
}

// SpawnOptions tunes one Spawn call.
type SpawnOptions struct {
	// Command is the argv prefix to launch. Empty means the current
	// executable, which is the normal single-binary arrangement; wrapper
	// binaries and tests override it.
	Command []string

	// OutputPort is where the child pushes its intercepted stdout and
	// stderr. Zero leaves the child's output alone.
	OutputPort int

	// Env entries appended to the inherited environment.
	Env []string
}

// Spawn launches a worker process, waits for it to report its receive
// port, and sends it the unit handshake. The returned Worker owns the
// queue pair to the child.
//
// The child learns everything it needs from six trailing argv values:
// parent port, heartbeat port, output port (0 when disabled), broker
// fan-in port, broker fan-out port, and the lock-identifier prefix.
func (t *Tree) Spawn(unit string, args []interface{}, kwargs map[string]interface{}, opts SpawnOptions) (*Worker, error) {
	fromChild, err := queue.NewReadQueue()
	if err != nil {
		return nil, err
	}

	hbPort, err := t.HeartbeatPort()
	if err != nil {
		_ = fromChild.Close()
		return nil, err
	}
	fanIn, fanOut, err := t.BrokerPorts()
	if err != nil {
		_ = fromChild.Close()
		return nil, err
	}

	command := opts.Command
	if len(command) == 0 {
		bin, err := os.Executable()
		if err != nil {
			_ = fromChild.Close()
			return nil, errs.WrapWithCode(err, errs.ErrCodeSpawnFailed,
				"cannot locate own executable")
		}
		command = []string{bin}
	}

	argv := append(append([]string{}, command[1:]...),
		strconv.Itoa(fromChild.Port()),
		strconv.Itoa(hbPort),
		strconv.Itoa(opts.OutputPort),
		strconv.Itoa(fanIn),
		strconv.Itoa(fanOut),
		t.lockPrefix,
	)

	cmd := exec.Command(command[0], argv...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = fromChild.Close()
		return nil, errs.WrapWithCode(err, errs.ErrCodeSpawnFailed, "launch failed")
	}

	childPort, err := t.awaitPortReport(fromChild)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		_ = fromChild.Close()
		return nil, err
	}

	toChild, err := queue.NewWriteQueue("127.0.0.1", childPort)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		_ = fromChild.Close()
		return nil, err
	}
	if err := toChild.Put(handshake{Unit: unit, Args: args, Kwargs: kwargs}); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		_ = toChild.Close()
		_ = fromChild.Close()
		return nil, err
	}

	t.log.Debug().
		Str("unit", unit).
		Int("pid", cmd.Process.Pid).
		Int("port", childPort).
		Msg("worker spawned")

	return &Worker{
		unit:      unit,
		cmd:       cmd,
		toChild:   toChild,
		fromChild: fromChild,
	}, nil
}

// awaitPortReport waits for the child's first message, its receive port.
// A child that says nothing inside the handshake window is declared dead.
func (t *Tree) awaitPortReport(fromChild *queue.ReadQueue) (int, error) {
	deadline := t.cfg.Spawn.Deadline()
	if deadline <= 0 {
		deadline = 15 * time.Second
	}
	v, err := fromChild.Get(deadline)
	if err != nil {
		if errs.IsTimeout(err) {
			return 0, errs.Spawn("child did not report its port within " + deadline.String())
		}
		return 0, err
	}
	port, ok := v.(int)
	if !ok || port <= 0 {
		return 0, errs.Spawn("child's port report is malformed")
	}
	return port, nil
}

// Worker is the parent's handle on one spawned process.
type Worker struct {
	unit      string
	cmd       *exec.Cmd
	toChild   *queue.WriteQueue
	fromChild *queue.ReadQueue
}

// Unit returns the unit name this worker runs.
func (w *Worker) Unit() string {
	return w.unit
}

// Pid returns the worker's process id.
func (w *Worker) Pid() int {
	return w.cmd.Process.Pid
}

// ToChild returns the queue into the worker.
func (w *Worker) ToChild() *queue.WriteQueue {
	return w.toChild
}

// FromChild returns the queue out of the worker.
func (w *Worker) FromChild() *queue.ReadQueue {
	return w.fromChild
}

// Terminate kills the worker immediately. There is no graceful handshake;
// workers needing one should arrange it over the queues first.
func (w *Worker) Terminate() error {
	if err := w.cmd.Process.Kill(); err != nil {
		return errs.WrapWithCode(err, errs.ErrCodeInternal, "kill failed")
	}
	return nil
}

// Wait blocks until the worker exits and releases its queues. The exit
// error is returned as-is; a Terminated worker reports its kill signal.
func (w *Worker) Wait() error {
	err := w.cmd.Wait()
	_ = w.toChild.Close()
	_ = w.fromChild.Close()
	return err
}
