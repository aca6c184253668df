package proc

import (
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vinayprograms/procmesh/config"
	errs "github.com/vinayprograms/procmesh/errors"
	"github.com/vinayprograms/procmesh/heartbeat"
	"github.com/vinayprograms/procmesh/logging"
	"github.com/vinayprograms/procmesh/queue"
	"github.com/vinayprograms/procmesh/stream"
)

// spawnArgs is the parsed form of the six trailing argv values a parent
// passes to every worker.
type spawnArgs struct {
	parentPort   int
	hbPort       int
	outputPort   int
	brokerFanIn  int
	brokerFanOut int
	lockPrefix   string
}

// childLockPrefix marks a non-empty inherited lock prefix as one level
// deeper in the tree. The suffix is applied once: a grandchild keeps its
// parent's already-suffixed prefix rather than stacking another "sub" per
// level.
func childLockPrefix(prefix string) string {
	if prefix != "" && !strings.HasSuffix(prefix, "sub") {
		prefix += "sub"
	}
	return prefix
}

// parseSpawnArgs validates the six trailing argv values.
func parseSpawnArgs(argv []string) (spawnArgs, error) {
	if len(argv) != 6 {
		return spawnArgs{}, errs.Newf(errs.ErrCodeInvalidInput,
			"expected 6 spawn argv values, got %d", len(argv))
	}
	ports := make([]int, 5)
	for i := 0; i < 5; i++ {
		p, err := strconv.Atoi(argv[i])
		if err != nil || p < 0 {
			return spawnArgs{}, errs.Newf(errs.ErrCodeInvalidInput,
				"spawn argv %d is not a port: %q", i, argv[i])
		}
		ports[i] = p
	}
	return spawnArgs{
		parentPort:   ports[0],
		hbPort:       ports[1],
		outputPort:   ports[2],
		brokerFanIn:  ports[3],
		brokerFanOut: ports[4],
		lockPrefix:   argv[5],
	}, nil
}

// Child is a worker process's side of the spawn relationship: the queue
// pair to the parent, the adopted tree, and the heartbeat keeping this
// process from outliving it.
type Child struct {
	tree       *Tree
	log        zerolog.Logger
	unit       Unit
	unitName   string
	args       []interface{}
	kwargs     map[string]interface{}
	toParent   *queue.WriteQueue
	fromParent *queue.ReadQueue
	hb         *heartbeat.Client
	restore    func()
	streams    []*stream.Interceptor
}

// Connect performs the child half of the spawn protocol: bind the receive
// endpoint, intercept output when asked, start heartbeating, report the
// port, and receive the unit handshake. argv is the six trailing values
// from the command line.
//
// Output interception and the heartbeat start before any unit code runs,
// so a unit's very first print is captured and a unit stuck in its first
// line still dies with its parent.
func Connect(argv []string, reg *Registry, cfg config.Config) (*Child, error) {
	sa, err := parseSpawnArgs(argv)
	if err != nil {
		return nil, err
	}

	lockPrefix := childLockPrefix(sa.lockPrefix)

	c := &Child{
		tree: adoptedTree(cfg, sa.brokerFanIn, sa.brokerFanOut, sa.hbPort, lockPrefix),
		log:  logging.WithComponent("proc.child"),
	}

	if sa.outputPort != 0 {
		if err := c.interceptOutput(sa.outputPort); err != nil {
			return nil, err
		}
	}

	c.hb = heartbeat.NewClient(heartbeat.ClientConfig{
		Port:     sa.hbPort,
		Interval: cfg.Heartbeat.Period(),
		Timeout:  cfg.Heartbeat.EchoTimeout(),
	})
	c.hb.Start()

	fromParent, err := queue.NewReadQueue()
	if err != nil {
		c.teardown()
		return nil, err
	}
	c.fromParent = fromParent

	toParent, err := queue.NewWriteQueue("127.0.0.1", sa.parentPort)
	if err != nil {
		c.teardown()
		return nil, err
	}
	c.toParent = toParent

	if err := toParent.Put(fromParent.Port()); err != nil {
		c.teardown()
		return nil, err
	}

	v, err := fromParent.Get(cfg.Spawn.Deadline())
	if err != nil {
		c.teardown()
		return nil, errs.Wrap(err, "no unit handshake from parent")
	}
	hs, ok := v.(handshake)
	if !ok {
		c.teardown()
		return nil, errs.InvalidInput("first parent message is not a unit handshake")
	}

	unit, err := reg.Resolve(hs.Unit)
	if err != nil {
		c.teardown()
		return nil, err
	}
	c.unit = unit
	c.unitName = hs.Unit
	c.args = hs.Args
	c.kwargs = hs.Kwargs

	c.log.Debug().Str("unit", hs.Unit).Msg("connected to parent")
	return c, nil
}

// interceptOutput redirects this process's stdout and stderr, and the
// substrate's own logging, to the parent's collection port.
func (c *Child) interceptOutput(port int) error {
	stdout, err := stream.NewInterceptor("stdout", "127.0.0.1", port)
	if err != nil {
		return err
	}
	stderr, err := stream.NewInterceptor("stderr", "127.0.0.1", port)
	if err != nil {
		_ = stdout.Close()
		return err
	}
	restore, err := stream.Redirect(stdout, stderr)
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return err
	}
	logging.SetOutput(stderr)
	c.restore = restore
	c.streams = []*stream.Interceptor{stdout, stderr}
	return nil
}

// Run executes the unit this process was spawned for. When output is
// intercepted, Run drains the redirection pipes after the unit returns so
// the unit's final writes reach the parent before the process exits.
func (c *Child) Run() error {
	err := c.unit(c, c.args, c.kwargs)
	if c.restore != nil {
		c.restore()
		c.restore = nil
	}
	return err
}

// UnitName returns the name of the unit this child runs.
func (c *Child) UnitName() string {
	return c.unitName
}

// Tree returns the adopted process tree.
func (c *Child) Tree() *Tree {
	return c.tree
}

// ToParent returns the queue up to the parent.
func (c *Child) ToParent() *queue.WriteQueue {
	return c.toParent
}

// FromParent returns the queue down from the parent.
func (c *Child) FromParent() *queue.ReadQueue {
	return c.fromParent
}

// Guard returns the heartbeat termination guard. Hold it across sections
// that must finish even if the parent dies mid-way.
func (c *Child) Guard() *sync.Mutex {
	return c.hb.Guard()
}

// Close releases the child's connections. The heartbeat keeps running;
// a connected process is monitored for its whole life.
func (c *Child) Close() error {
	var err error
	if c.toParent != nil {
		err = c.toParent.Close()
	}
	if c.fromParent != nil {
		if cerr := c.fromParent.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// teardown undoes a partial Connect.
func (c *Child) teardown() {
	if c.hb != nil {
		c.hb.Stop()
	}
	if c.restore != nil {
		c.restore()
	}
	for _, s := range c.streams {
		_ = s.Close()
	}
	if c.toParent != nil {
		_ = c.toParent.Close()
	}
	if c.fromParent != nil {
		_ = c.fromParent.Close()
	}
}
