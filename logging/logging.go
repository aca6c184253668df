// Package logging configures structured log output for the substrate.
// Every background loop (server dispatch, broker relay, heartbeat client,
// spawn handshake) logs through a component-tagged zerolog logger obtained
// from WithComponent.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Environment overrides, applied on top of the selected profile.
const (
	EnvLogLevel     = "PROCMESH_LOG_LEVEL"
	EnvLogTimestamp = "PROCMESH_LOG_TIMESTAMP"
)

// Profile selects a base logging configuration.
type Profile int

const (
	// ProfileRuntime is the default: info level, timestamps on.
	ProfileRuntime Profile = iota

	// ProfileTest raises verbosity and drops timestamps for readable
	// test output.
	ProfileTest
)

var (
	configureOnce sync.Once
	root          zerolog.Logger
	rootMu        sync.RWMutex
)

func init() {
	root = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// Configure applies a profile once per process. Later calls are no-ops, so
// libraries and applications can both call it safely.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano

		level := zerolog.InfoLevel
		withTimestamp := true
		if profile == ProfileTest {
			level = zerolog.DebugLevel
			withTimestamp = false
		}
		if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
			level = lvl
		}
		if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
			withTimestamp = v
		}

		logger := zerolog.New(os.Stderr)
		if withTimestamp {
			logger = logger.With().Timestamp().Logger()
		}

		rootMu.Lock()
		root = logger.Level(level)
		rootMu.Unlock()
	})
}

// ConfigureRuntime applies the runtime profile.
func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

// ConfigureTests applies the test profile.
func ConfigureTests() {
	Configure(ProfileTest)
}

// WithComponent returns a logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root.With().Str("component", component).Logger()
}

// SetOutput redirects all subsequently created component loggers to w.
// Used by the spawn handshake to route a child's logs through the output
// interceptor.
func SetOutput(w io.Writer) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root = root.Output(w)
}

// parseLevel maps a level name to a zerolog level.
func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

// parseBool parses a boolean env value, reporting whether one was set.
func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
