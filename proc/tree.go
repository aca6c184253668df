package proc

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/vinayprograms/procmesh/config"
	"github.com/vinayprograms/procmesh/events"
	"github.com/vinayprograms/procmesh/heartbeat"
	"github.com/vinayprograms/procmesh/logging"
)

// Tree is the per-process handle on a process tree's shared services: the
// event broker and the heartbeat relay. The top-level parent creates them
// lazily, exactly once, on first use; every descendant adopts the ports it
// was told at spawn and never creates its own.
//
// There is no hidden process-global tree; whoever spawns passes a Tree
// around explicitly.
type Tree struct {
	cfg        config.Config
	log        zerolog.Logger
	lockPrefix string

	mu sync.Mutex

	broker       *events.Broker
	brokerFanIn  int
	brokerFanOut int

	relay     *heartbeat.Relay
	relayPort int
}

// NewTree creates a top-level tree with the given substrate config.
func NewTree(cfg config.Config) *Tree {
	return &Tree{
		cfg: cfg,
		log: logging.WithComponent("proc.tree"),
	}
}

// NewTreeWithPrefix creates a top-level tree whose spawned workers carry
// the given lock-identifier prefix.
func NewTreeWithPrefix(cfg config.Config, lockPrefix string) *Tree {
	t := NewTree(cfg)
	t.lockPrefix = lockPrefix
	return t
}

// adoptedTree builds a child-side tree around ports inherited at spawn.
func adoptedTree(cfg config.Config, fanIn, fanOut, relayPort int, lockPrefix string) *Tree {
	return &Tree{
		cfg:          cfg,
		log:          logging.WithComponent("proc.tree"),
		lockPrefix:   lockPrefix,
		brokerFanIn:  fanIn,
		brokerFanOut: fanOut,
		relayPort:    relayPort,
	}
}

// Config returns the substrate config this tree carries.
func (t *Tree) Config() config.Config {
	return t.cfg
}

// LockPrefix returns the lock-identifier prefix for this process's level
// of the tree.
func (t *Tree) LockPrefix() string {
	return t.lockPrefix
}

// BrokerPorts returns the tree's event broker ports, creating the broker
// on first use in a top-level parent. The ports never change for the
// tree's lifetime.
func (t *Tree) BrokerPorts() (fanIn, fanOut int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.brokerFanIn != 0 {
		return t.brokerFanIn, t.brokerFanOut, nil
	}
	broker, err := events.NewBroker(events.BrokerConfig{
		BufferSize: t.cfg.Events.BufferSize,
	})
	if err != nil {
		return 0, 0, err
	}
	t.broker = broker
	t.brokerFanIn, t.brokerFanOut = broker.Ports()
	t.log.Debug().
		Int("fan_in", t.brokerFanIn).
		Int("fan_out", t.brokerFanOut).
		Msg("event broker started")
	return t.brokerFanIn, t.brokerFanOut, nil
}

// HeartbeatPort returns the tree's heartbeat relay port, creating the
// relay on first use in a top-level parent.
func (t *Tree) HeartbeatPort() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.relayPort != 0 {
		return t.relayPort, nil
	}
	relay, err := heartbeat.NewRelay()
	if err != nil {
		return 0, err
	}
	t.relay = relay
	t.relayPort = relay.Port()
	t.log.Debug().Int("port", t.relayPort).Msg("heartbeat relay started")
	return t.relayPort, nil
}

// NewEvent creates an event against this tree's broker.
func (t *Tree) NewEvent(name string, mode events.Mode) (*events.Event, error) {
	fanIn, fanOut, err := t.BrokerPorts()
	if err != nil {
		return nil, err
	}
	return events.NewEvent(name, events.EventConfig{
		Mode:       mode,
		FanInPort:  fanIn,
		FanOutPort: fanOut,
		BufferSize: t.cfg.Events.BufferSize,
	})
}

// Close shuts down whatever singletons this process created. Adopted
// ports belong to an ancestor and are left alone.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.broker != nil {
		err = t.broker.Close()
		t.broker = nil
	}
	if t.relay != nil {
		if cerr := t.relay.Close(); err == nil {
			err = cerr
		}
		t.relay = nil
	}
	return err
}
