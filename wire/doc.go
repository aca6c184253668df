// Package wire owns the byte-level contract of procmesh: multipart message
// framing over stream connections, and the closed set of payload codecs
// (wire kinds) used by every socket in the substrate.
//
// # Framing
//
// A message is a sequence of byte frames. On the stream it is encoded as
//
//	uvarint(frameCount) | { uvarint(frameLen) | frameBytes } ...
//
// using unsigned varints. Limits bound decode memory so a misbehaving peer
// cannot force unbounded allocation.
//
// # Wire kinds
//
// Each channel fixes its payload encoding at construction to one of four
// kinds, never mixed:
//
//   - Raw: a single frame of opaque bytes
//   - String: a single frame of UTF-8 text
//   - Multipart: any number of byte frames, boundaries preserved
//   - Object: one frame holding a gob-encoded envelope carrying either an
//     arbitrary value or a Failure{Kind, Message}
//
// Validation happens before sending; a mistyped value fails with an
// INVALID_INPUT error rather than being coerced. The two documented
// exceptions: a bare byte slice sent on a Multipart channel is wrapped
// into a one-element message so it is not fragmented, and a nil payload
// on Raw/Multipart becomes an empty frame.
//
// Application types carried inside Object payloads must be registered with
// Register in both peers, exactly once, before any traffic flows.
package wire
