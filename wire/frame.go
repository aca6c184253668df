package wire

import (
	"errors"
	"io"

	"github.com/multiformats/go-varint"
)

var (
	ErrTooManyFrames = errors.New("wire: too many frames in message")
	ErrFrameTooLarge = errors.New("wire: frame exceeds size limit")
	ErrShortMessage  = errors.New("wire: connection closed mid-message")
)

// Reader is the stream interface ReadMessage needs. *bufio.Reader
// satisfies it.
type Reader interface {
	io.Reader
	io.ByteReader
}

// Limits constrains message decode/encode memory use.
type Limits struct {
	MaxFrames     uint64
	MaxFrameBytes uint64
}

// DefaultLimits returns the limits applied when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxFrames:     1024,
		MaxFrameBytes: 8 * 1024 * 1024,
	}
}

// ReadMessage reads one complete multipart message from r.
func ReadMessage(r Reader, limits Limits) ([][]byte, error) {
	count, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, wrapEOF(err)
	}
	if count > limits.MaxFrames {
		return nil, ErrTooManyFrames
	}

	frames := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		size, err := varint.ReadUvarint(r)
		if err != nil {
			return nil, wrapEOF(err)
		}
		if size > limits.MaxFrameBytes {
			return nil, ErrFrameTooLarge
		}
		frame := make([]byte, size)
		if size > 0 {
			if _, err := io.ReadFull(r, frame); err != nil {
				return nil, wrapEOF(err)
			}
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// WriteMessage writes one complete multipart message to w as a single
// Write call, header and frames together.
func WriteMessage(w io.Writer, frames [][]byte, limits Limits) error {
	if uint64(len(frames)) > limits.MaxFrames {
		return ErrTooManyFrames
	}

	size := varint.UvarintSize(uint64(len(frames)))
	for _, frame := range frames {
		if uint64(len(frame)) > limits.MaxFrameBytes {
			return ErrFrameTooLarge
		}
		size += varint.UvarintSize(uint64(len(frame))) + len(frame)
	}

	buf := make([]byte, 0, size)
	buf = appendUvarint(buf, uint64(len(frames)))
	for _, frame := range frames {
		buf = appendUvarint(buf, uint64(len(frame)))
		buf = append(buf, frame...)
	}

	_, err := w.Write(buf)
	return err
}

// appendUvarint appends the uvarint encoding of x to buf.
func appendUvarint(buf []byte, x uint64) []byte {
	tmp := make([]byte, varint.UvarintSize(x))
	n := varint.PutUvarint(tmp, x)
	return append(buf, tmp[:n]...)
}

// wrapEOF converts mid-message stream ends into ErrShortMessage so callers
// can distinguish a cleanly closed connection (io.EOF before any byte of a
// message) from a truncated one.
func wrapEOF(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortMessage
	}
	return err
}
