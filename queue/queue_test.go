package queue

import (
	"sync"
	"testing"
	"time"

	errs "github.com/vinayprograms/procmesh/errors"
	"github.com/vinayprograms/procmesh/logging"
)

func init() {
	logging.ConfigureTests()
}

// --- Unit Tests ---

func TestQueuePair_RoundTrip(t *testing.T) {
	rq, err := NewReadQueue()
	if err != nil {
		t.Fatalf("NewReadQueue error: %v", err)
	}
	defer rq.Close()

	wq, err := NewWriteQueue("127.0.0.1", rq.Port())
	if err != nil {
		t.Fatalf("NewWriteQueue error: %v", err)
	}
	defer wq.Close()

	if err := wq.Put("payload"); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	got, err := rq.Get(2 * time.Second)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.(string) != "payload" {
		t.Errorf("Get = %v, want payload", got)
	}
}

func TestReadQueue_GetTimeout(t *testing.T) {
	rq, err := NewReadQueue()
	if err != nil {
		t.Fatalf("NewReadQueue error: %v", err)
	}
	defer rq.Close()

	if _, err := rq.Get(50 * time.Millisecond); !errs.IsTimeout(err) {
		t.Errorf("Get error = %v, want TIMEOUT", err)
	}
}

func TestWriteQueue_ConcurrentPutsArriveIntact(t *testing.T) {
	rq, err := NewReadQueue()
	if err != nil {
		t.Fatalf("NewReadQueue error: %v", err)
	}
	defer rq.Close()

	const writers = 8
	const perWriter = 25

	wq, err := NewWriteQueue("127.0.0.1", rq.Port())
	if err != nil {
		t.Fatalf("NewWriteQueue error: %v", err)
	}
	defer wq.Close()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := wq.Put([]interface{}{writer, i}); err != nil {
					t.Errorf("Put error: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[int]int, writers)
	for n := 0; n < writers*perWriter; n++ {
		v, err := rq.Get(2 * time.Second)
		if err != nil {
			t.Fatalf("Get %d error: %v", n, err)
		}
		pair, ok := v.([]interface{})
		if !ok || len(pair) != 2 {
			t.Fatalf("message %d corrupted: %#v", n, v)
		}
		writer := pair[0].(int)
		seq := pair[1].(int)
		if seq != seen[writer] {
			t.Fatalf("writer %d: got seq %d, want %d", writer, seq, seen[writer])
		}
		seen[writer]++
	}
	for w := 0; w < writers; w++ {
		if seen[w] != perWriter {
			t.Errorf("writer %d: received %d, want %d", w, seen[w], perWriter)
		}
	}
}

func TestReadQueue_SelfPutUnblocksGet(t *testing.T) {
	rq, err := NewReadQueue()
	if err != nil {
		t.Fatalf("NewReadQueue error: %v", err)
	}
	defer rq.Close()

	type result struct {
		v   interface{}
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := rq.Get(5 * time.Second)
		done <- result{v, err}
	}()

	// Give the getter time to block, then unblock it from this goroutine
	// through the loopback connection.
	time.Sleep(50 * time.Millisecond)
	if err := rq.Put("poison"); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Get error: %v", r.err)
		}
		if r.v.(string) != "poison" {
			t.Errorf("Get = %v, want poison", r.v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Get was not unblocked by self Put")
	}
}

func TestReadQueue_CloseUnblocksGet(t *testing.T) {
	rq, err := NewReadQueue()
	if err != nil {
		t.Fatalf("NewReadQueue error: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := rq.Get(5 * time.Second)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := rq.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	select {
	case err := <-errc:
		if !errs.Is(err, errs.ErrCodeClosed) {
			t.Errorf("Get error = %v, want CLOSED", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Get was not unblocked by Close")
	}
}
