package wire

import (
	"fmt"
	"unicode/utf8"

	errs "github.com/vinayprograms/procmesh/errors"
)

// Kind is the payload encoding of a channel, fixed at construction.
type Kind int

// The closed set of wire kinds.
const (
	Raw Kind = iota
	String
	Multipart
	Object
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case Raw:
		return "raw"
	case String:
		return "string"
	case Multipart:
		return "multipart"
	case Object:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= Raw && k <= Object
}

// Codec encodes and decodes payload values for one wire kind. A codec is
// selected once when a channel is constructed and stored as a value; kinds
// are never re-dispatched per message.
type Codec interface {
	// Kind returns the wire kind this codec implements.
	Kind() Kind

	// Encode validates v and converts it to message frames. Mistyped
	// values fail with an INVALID_INPUT error before anything is sent.
	Encode(v interface{}) ([][]byte, error)

	// Decode converts received frames back to a value. For the Object
	// kind a decoded Failure is returned as the error.
	Decode(frames [][]byte) (interface{}, error)
}

// NewCodec returns the codec for the given kind.
func NewCodec(k Kind) (Codec, error) {
	switch k {
	case Raw:
		return rawCodec{}, nil
	case String:
		return stringCodec{}, nil
	case Multipart:
		return multipartCodec{}, nil
	case Object:
		return objectCodec{}, nil
	default:
		return nil, errs.Newf(errs.ErrCodeUnsupported, "unknown wire kind %d", int(k))
	}
}

// MustCodec returns the codec for a known-valid kind and panics otherwise.
// For use with the package constants only.
func MustCodec(k Kind) Codec {
	c, err := NewCodec(k)
	if err != nil {
		panic(err)
	}
	return c
}

// rawCodec sends opaque bytes as a single frame.
type rawCodec struct{}

func (rawCodec) Kind() Kind { return Raw }

func (rawCodec) Encode(v interface{}) ([][]byte, error) {
	if v == nil {
		return [][]byte{{}}, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, errs.Newf(errs.ErrCodeInvalidInput,
			"raw channels can only send []byte, not %T", v)
	}
	return [][]byte{b}, nil
}

func (rawCodec) Decode(frames [][]byte) (interface{}, error) {
	if len(frames) != 1 {
		return nil, errs.Newf(errs.ErrCodeInvalidInput,
			"raw message must be exactly one frame, got %d", len(frames))
	}
	return frames[0], nil
}

// stringCodec sends a single frame of UTF-8 text.
type stringCodec struct{}

func (stringCodec) Kind() Kind { return String }

func (stringCodec) Encode(v interface{}) ([][]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, errs.Newf(errs.ErrCodeInvalidInput,
			"string channels can only send string, not %T", v)
	}
	return [][]byte{[]byte(s)}, nil
}

func (stringCodec) Decode(frames [][]byte) (interface{}, error) {
	if len(frames) != 1 {
		return nil, errs.Newf(errs.ErrCodeInvalidInput,
			"string message must be exactly one frame, got %d", len(frames))
	}
	if !utf8.Valid(frames[0]) {
		return nil, errs.InvalidInput("string message is not valid UTF-8")
	}
	return string(frames[0]), nil
}

// multipartCodec sends a sequence of byte frames with boundaries preserved.
type multipartCodec struct{}

func (multipartCodec) Kind() Kind { return Multipart }

func (multipartCodec) Encode(v interface{}) ([][]byte, error) {
	switch data := v.(type) {
	case nil:
		return [][]byte{{}}, nil
	case []byte:
		// Wrap a bare byte slice into a one-frame message so it is not
		// fragmented.
		return [][]byte{data}, nil
	case [][]byte:
		frames := make([][]byte, len(data))
		for i, frame := range data {
			if frame == nil {
				frame = []byte{}
			}
			frames[i] = frame
		}
		return frames, nil
	default:
		return nil, errs.Newf(errs.ErrCodeInvalidInput,
			"multipart channels can only send [][]byte or []byte, not %T", v)
	}
}

func (multipartCodec) Decode(frames [][]byte) (interface{}, error) {
	return frames, nil
}
