// Package errors provides the structured error taxonomy for procmesh. It
// defines the error codes and categories used by the transport, queue,
// event, heartbeat, and spawn layers, so that callers can distinguish
// validation failures, bounded-wait timeouts, remote handler failures, and
// fatal spawn failures without string matching.
//
// # Error Categories
//
// Errors are classified into three categories:
//
//   - Transient: temporary failures where retry may succeed (timeouts,
//     connection failures)
//   - Permanent: failures where retry will not help (mistyped payloads,
//     unknown wire kinds, missing registry entries)
//   - Internal: unexpected errors indicating bugs (handler panics,
//     corrupted frames)
//
// # Usage
//
// Create a new error:
//
//	err := errors.Timeout("no response from server")
//
// Check for a timeout on any bounded wait:
//
//	if errors.IsTimeout(err) {
//	    // resynchronize / retry with a fresh connection
//	}
//
// Wrap an error with context while preserving its code:
//
//	return errors.Wrap(err, "event wait")
package errors
