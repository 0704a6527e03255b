package ring

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_CapacityNMinusOne(t *testing.T) {
	const n = 8
	q := New[int](n)
	if q.Cap() != n-1 {
		t.Fatalf("cap=%d want %d", q.Cap(), n-1)
	}
	for i := 0; i < n-1; i++ {
		if !q.Put(i) {
			t.Fatalf("put %d rejected", i)
		}
	}
	if q.Put(99) {
		t.Fatalf("put on full queue accepted")
	}
	if q.Len() != n-1 {
		t.Fatalf("len=%d", q.Len())
	}
	// Rejected put must not alter existing entries.
	if v, ok := q.Peek(); !ok || v != 0 {
		t.Fatalf("peek=%d,%v", v, ok)
	}
	if v, ok := q.Take(); !ok || v != 0 {
		t.Fatalf("take=%d,%v", v, ok)
	}
	if !q.Put(100) {
		t.Fatalf("put after take rejected")
	}
	if q.Put(101) {
		t.Fatalf("queue should be full again")
	}
	want := []int{1, 2, 3, 4, 5, 6, 100}
	for i, w := range want {
		v, ok := q.Take()
		if !ok || v != w {
			t.Fatalf("take %d = %d,%v want %d", i, v, ok, w)
		}
	}
	if _, ok := q.Take(); ok {
		t.Fatalf("take on empty queue succeeded")
	}
}

func TestQueue_PeekEmpty(t *testing.T) {
	q := New[string](4)
	if _, ok := q.Peek(); ok {
		t.Fatalf("peek on empty queue succeeded")
	}
	q.Put("a")
	if v, _ := q.Peek(); v != "a" {
		t.Fatalf("peek=%q", v)
	}
	if q.Len() != 1 {
		t.Fatalf("peek consumed item")
	}
}

func TestQueue_MinimumSize(t *testing.T) {
	q := New[int](0)
	if q.Cap() != 1 || !q.Put(1) || q.Put(2) {
		t.Fatalf("minimum queue should hold exactly one item")
	}
}

func TestQueue_WrapAround(t *testing.T) {
	q := New[int](3)
	for i := 0; i < 1000; i++ {
		if !q.Put(i) {
			t.Fatalf("put %d rejected", i)
		}
		if v, ok := q.Take(); !ok || v != i {
			t.Fatalf("take=%d,%v want %d", v, ok, i)
		}
	}
}

func TestQueue_Drain(t *testing.T) {
	q := New[int](5)
	for i := 0; i < 4; i++ {
		q.Put(i)
	}
	var got []int
	if n := q.Drain(func(v int) { got = append(got, v) }); n != 4 {
		t.Fatalf("drained %d", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order broken: %v", got)
		}
	}
	if q.Len() != 0 || q.Drain(nil) != 0 {
		t.Fatalf("queue not empty after drain")
	}
}

func TestQueue_Signal(t *testing.T) {
	q := New[int](4)
	select {
	case <-q.Signal():
		t.Fatalf("signal before put")
	default:
	}
	q.Put(1)
	q.Put(2) // coalesces
	select {
	case <-q.Signal():
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("no signal after put")
	}
}

// TestQueue_SPSC runs one producer against one consumer and checks FIFO order
// with drops accounted for.
func TestQueue_SPSC(t *testing.T) {
	q := New[int](16)
	const total = 20000
	var wg sync.WaitGroup
	var dropped int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if !q.Put(i) {
				dropped++
			}
		}
	}()
	last := -1
	received := 0
	deadline := time.Now().Add(5 * time.Second)
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	for {
		v, ok := q.Take()
		if ok {
			if v <= last {
				t.Fatalf("out of order: %d after %d", v, last)
			}
			last = v
			received++
			continue
		}
		select {
		case <-done:
			if q.Len() == 0 {
				if received+dropped != total {
					t.Fatalf("received %d + dropped %d != %d", received, dropped, total)
				}
				return
			}
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout")
		}
	}
}
