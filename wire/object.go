package wire

import (
	"bytes"
	"encoding/gob"
	"time"

	errs "github.com/vinayprograms/procmesh/errors"
)

// Failure is the wire form of an error carried in an Object payload: an
// explicit failure-with-kind-and-message rather than a serialized error
// value. Receivers surface it as a local error.
type Failure struct {
	Kind    string
	Message string
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Kind != "" {
		return f.Kind + ": " + f.Message
	}
	return f.Message
}

// envelope is the top-level gob payload of every Object message: either a
// value or a failure, never both.
type envelope struct {
	Value   interface{}
	Failure *Failure
}

// Register records an application type so it can be carried inside Object
// payloads. Both peers must register the same types before any traffic
// flows. Forwards to gob.Register.
func Register(v interface{}) {
	gob.Register(v)
}

func init() {
	// Container types commonly carried as spawn arguments and event data.
	// Scalars are predeclared by gob itself.
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
	gob.Register(time.Time{})
}

// objectCodec sends arbitrary registered values via a versioned
// object-serialization format (gob), wrapped in a result envelope.
type objectCodec struct{}

func (objectCodec) Kind() Kind { return Object }

func (objectCodec) Encode(v interface{}) ([][]byte, error) {
	env := envelope{}
	switch val := v.(type) {
	case *Failure:
		env.Failure = val
	case error:
		env.Failure = FailureFrom(val)
	default:
		env.Value = val
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, errs.WrapWithCode(err, errs.ErrCodeInvalidInput,
			"object payload is not serializable")
	}
	return [][]byte{buf.Bytes()}, nil
}

func (objectCodec) Decode(frames [][]byte) (interface{}, error) {
	if len(frames) != 1 {
		return nil, errs.Newf(errs.ErrCodeInvalidInput,
			"object message must be exactly one frame, got %d", len(frames))
	}
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(frames[0])).Decode(&env); err != nil {
		return nil, errs.WrapWithCode(err, errs.ErrCodeInvalidInput,
			"undecodable object payload")
	}
	if env.Failure != nil {
		return nil, errs.Remote(env.Failure.Kind, env.Failure.Message)
	}
	return env.Value, nil
}

// FailureFrom converts a local error into its wire form, preserving the
// structured code when err is a procmesh error.
func FailureFrom(err error) *Failure {
	if err == nil {
		return nil
	}
	f := &Failure{Message: err.Error()}
	if code := errs.Code(err); code != "" {
		f.Kind = code.String()
		f.Message = err.Error()
	} else {
		f.Kind = errs.ErrCodeInternal.String()
	}
	return f
}
