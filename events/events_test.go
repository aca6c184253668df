package events

import (
	"testing"
	"time"

	errs "github.com/vinayprograms/procmesh/errors"
	"github.com/vinayprograms/procmesh/logging"
)

func init() {
	logging.ConfigureTests()
}

// subscribeSettle gives the broker time to register a new subscription
// before anything is posted at it.
const subscribeSettle = 100 * time.Millisecond

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := NewBroker(BrokerConfig{})
	if err != nil {
		t.Fatalf("NewBroker error: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestEvent(t *testing.T, b *Broker, name string, mode Mode) *Event {
	t.Helper()
	fanIn, fanOut := b.Ports()
	e, err := NewEvent(name, EventConfig{
		Mode:       mode,
		FanInPort:  fanIn,
		FanOutPort: fanOut,
	})
	if err != nil {
		t.Fatalf("NewEvent(%s) error: %v", name, err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// --- Unit Tests ---

func TestEvent_PostThenWait(t *testing.T) {
	b := newTestBroker(t)
	waiter := newTestEvent(t, b, "ready", ModeWait)
	poster := newTestEvent(t, b, "ready", ModePost)
	time.Sleep(subscribeSettle)

	type result struct {
		v   interface{}
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := waiter.Wait("1", 5*time.Second)
		done <- result{v, err}
	}()

	time.Sleep(subscribeSettle)
	if err := poster.Post("1", 5); err != nil {
		t.Fatalf("Post error: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Wait error: %v", r.err)
		}
		if r.v.(int) != 5 {
			t.Errorf("Wait = %v, want 5", r.v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait never returned")
	}
}

func TestEvent_WaitTimeout(t *testing.T) {
	b := newTestBroker(t)
	waiter := newTestEvent(t, b, "never", ModeWait)

	start := time.Now()
	_, err := waiter.Wait("1", 100*time.Millisecond)
	if !errs.IsTimeout(err) {
		t.Fatalf("Wait error = %v, want TIMEOUT", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("Wait returned before the deadline")
	}
}

func TestEvent_BufferedReplay(t *testing.T) {
	b := newTestBroker(t)
	waiter := newTestEvent(t, b, "done", ModeWait)
	poster := newTestEvent(t, b, "done", ModePost)
	time.Sleep(subscribeSettle)

	// Post before anyone waits: the subscription buffers it.
	if err := poster.Post("7", 7); err != nil {
		t.Fatalf("Post error: %v", err)
	}
	time.Sleep(subscribeSettle)

	got, err := waiter.Wait("7", time.Second)
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if got.(int) != 7 {
		t.Errorf("Wait = %v, want 7", got)
	}
}

func TestEvent_NonMatchingIdsAreDiscarded(t *testing.T) {
	b := newTestBroker(t)
	waiter := newTestEvent(t, b, "step", ModeWait)
	poster := newTestEvent(t, b, "step", ModePost)
	time.Sleep(subscribeSettle)

	if err := poster.Post("other", "ignored"); err != nil {
		t.Fatalf("Post error: %v", err)
	}
	if err := poster.Post("want", "kept"); err != nil {
		t.Fatalf("Post error: %v", err)
	}
	time.Sleep(subscribeSettle)

	got, err := waiter.Wait("want", time.Second)
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if got.(string) != "kept" {
		t.Errorf("Wait = %v, want kept", got)
	}

	// The non-matching post was consumed and thrown away during the wait
	// above; it cannot be waited on afterwards.
	if _, err := waiter.Wait("other", 100*time.Millisecond); !errs.IsTimeout(err) {
		t.Errorf("Wait(other) error = %v, want TIMEOUT", err)
	}
}

func TestEvent_TwoWaitersFilterPrivately(t *testing.T) {
	b := newTestBroker(t)
	w1 := newTestEvent(t, b, "stage", ModeWait)
	w2 := newTestEvent(t, b, "stage", ModeWait)
	poster := newTestEvent(t, b, "stage", ModePost)
	time.Sleep(subscribeSettle)

	if err := poster.Post("a", "for w1"); err != nil {
		t.Fatalf("Post error: %v", err)
	}
	if err := poster.Post("b", "for w2"); err != nil {
		t.Fatalf("Post error: %v", err)
	}
	time.Sleep(subscribeSettle)

	// Each waiter holds its own subscription, so w1 discarding id b does
	// not starve w2, and vice versa.
	got1, err := w1.Wait("a", time.Second)
	if err != nil {
		t.Fatalf("w1.Wait error: %v", err)
	}
	got2, err := w2.Wait("b", time.Second)
	if err != nil {
		t.Fatalf("w2.Wait error: %v", err)
	}
	if got1.(string) != "for w1" || got2.(string) != "for w2" {
		t.Errorf("waits = %v, %v", got1, got2)
	}
}

func TestEvent_NamesDoNotCross(t *testing.T) {
	b := newTestBroker(t)
	waiter := newTestEvent(t, b, "beta", ModeWait)
	poster := newTestEvent(t, b, "alpha", ModePost)
	time.Sleep(subscribeSettle)

	if err := poster.Post("1", "alpha data"); err != nil {
		t.Fatalf("Post error: %v", err)
	}

	if _, err := waiter.Wait("1", 200*time.Millisecond); !errs.IsTimeout(err) {
		t.Errorf("Wait error = %v, want TIMEOUT", err)
	}
}

func TestEvent_ModeEnforcement(t *testing.T) {
	b := newTestBroker(t)
	waitOnly := newTestEvent(t, b, "modes", ModeWait)
	postOnly := newTestEvent(t, b, "modes", ModePost)

	if err := waitOnly.Post("1", nil); !errs.Is(err, errs.ErrCodeUnsupported) {
		t.Errorf("Post on wait-only error = %v, want UNSUPPORTED", err)
	}
	if _, err := postOnly.Wait("1", time.Second); !errs.Is(err, errs.ErrCodeUnsupported) {
		t.Errorf("Wait on post-only error = %v, want UNSUPPORTED", err)
	}
}

func TestNewEvent_EmptyName(t *testing.T) {
	if _, err := NewEvent("", EventConfig{}); !errs.Is(err, errs.ErrCodeInvalidInput) {
		t.Errorf("NewEvent(\"\") error = %v, want INVALID_INPUT", err)
	}
}
