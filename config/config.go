// Package config loads substrate tuning from standard locations. All values
// have working defaults; a config file only overrides what it names.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalidConfig indicates a config file with out-of-range values.
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvConfigPath names an explicit config file, checked before the
// standard locations.
const EnvConfigPath = "PROCMESH_CONFIG"

// Config holds all substrate tuning knobs.
type Config struct {
	Transport TransportConfig `toml:"transport"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Events    EventsConfig    `toml:"events"`
	Spawn     SpawnConfig     `toml:"spawn"`
}

// TransportConfig tunes the request/reply and push clients.
type TransportConfig struct {
	// GetTimeout is the default reply deadline for request/reply calls.
	GetTimeout Duration `toml:"get_timeout"`

	// DialTimeout bounds connection establishment.
	DialTimeout Duration `toml:"dial_timeout"`
}

// HeartbeatConfig tunes the liveness monitor.
type HeartbeatConfig struct {
	// Interval between echo cycles.
	Interval Duration `toml:"interval"`

	// Timeout is how long the client waits for its echo each cycle.
	Timeout Duration `toml:"timeout"`
}

// EventsConfig tunes the event bus.
type EventsConfig struct {
	// BufferSize bounds buffered messages per subscriber.
	BufferSize int `toml:"buffer_size"`
}

// SpawnConfig tunes the spawn handshake.
type SpawnConfig struct {
	// HandshakeTimeout is how long a parent waits for a child to report
	// its receive port.
	HandshakeTimeout Duration `toml:"handshake_timeout"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Transport: TransportConfig{
			GetTimeout:  Duration(5 * time.Second),
			DialTimeout: Duration(5 * time.Second),
		},
		Heartbeat: HeartbeatConfig{
			Interval: Duration(time.Second),
			Timeout:  Duration(time.Second),
		},
		Events: EventsConfig{
			BufferSize: 1000,
		},
		Spawn: SpawnConfig{
			HandshakeTimeout: Duration(15 * time.Second),
		},
	}
}

// Validate checks the configuration for out-of-range values.
func (c Config) Validate() error {
	if c.Transport.GetTimeout <= 0 || c.Transport.DialTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.Timeout <= 0 {
		return ErrInvalidConfig
	}
	if c.Events.BufferSize <= 0 {
		return ErrInvalidConfig
	}
	if c.Spawn.HandshakeTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{}

	if explicit := os.Getenv(EnvConfigPath); explicit != "" {
		paths = append(paths, explicit)
	}

	paths = append(paths, "procmesh.toml")

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "procmesh", "procmesh.toml"))
	}

	return paths
}

// Load loads the config from the first available standard location.
// A missing file is not an error; defaults are returned.
func Load() (Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// LoadFile loads the config from a specific file, applied over defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Timeout returns the request/reply deadline as a time.Duration.
func (c TransportConfig) Timeout() time.Duration { return time.Duration(c.GetTimeout) }

// Dial returns the dial deadline as a time.Duration.
func (c TransportConfig) Dial() time.Duration { return time.Duration(c.DialTimeout) }

// Period returns the echo interval as a time.Duration.
func (c HeartbeatConfig) Period() time.Duration { return time.Duration(c.Interval) }

// EchoTimeout returns the per-cycle echo deadline as a time.Duration.
func (c HeartbeatConfig) EchoTimeout() time.Duration { return time.Duration(c.Timeout) }

// Deadline returns the handshake window as a time.Duration.
func (c SpawnConfig) Deadline() time.Duration { return time.Duration(c.HandshakeTimeout) }

// Duration is a time.Duration that TOML-decodes from strings like "1s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
