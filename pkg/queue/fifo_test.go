package queue

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// testLogger returns a logger that discards output
func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestFIFO_Order(t *testing.T) {
	q := NewFIFO[string]("requests", testLogger())
	for _, s := range []string{"a", "b", "c"} {
		if !q.Add(s) {
			t.Fatalf("Add(%q) = false on open queue", s)
		}
	}
	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.PopWait(time.Second)
		if !ok || got != want {
			t.Fatalf("PopWait() = (%q, %v), want (%q, true)", got, ok, want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() after draining = %d, want 0", q.Len())
	}
}

func TestFIFO_PopWaitTimesOut(t *testing.T) {
	q := NewFIFO[int]("empty", testLogger())

	start := time.Now()
	_, ok := q.PopWait(50 * time.Millisecond)
	elapsed := time.Since(start)

	if ok {
		t.Fatal("PopWait() on empty queue returned ok=true")
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("PopWait() returned after %v, expected to wait ~50ms", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("PopWait() blocked for %v", elapsed)
	}
}

func TestFIFO_PopWaitWakesOnAdd(t *testing.T) {
	q := NewFIFO[int]("wake", testLogger())

	done := make(chan int, 1)
	go func() {
		v, ok := q.PopWait(5 * time.Second)
		if ok {
			done <- v
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Add(42)

	select {
	case v := <-done:
		if v != 42 {
			t.Errorf("PopWait() = %d, want 42", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PopWait() did not wake on Add")
	}
}

func TestFIFO_CloseWakesWaiters(t *testing.T) {
	q := NewFIFO[int]("close", testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := q.PopWait(10 * time.Second); ok {
				t.Error("PopWait() on closed empty queue returned ok=true")
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("waiters not released by Close()")
	}

	if !q.Closed() {
		t.Error("Closed() = false after Close()")
	}
	if q.Add(1) {
		t.Error("Add() on closed queue returned true")
	}
}

func TestFIFO_CloseKeepsQueuedItems(t *testing.T) {
	q := NewFIFO[int]("drain", testLogger())
	q.Add(1)
	q.Add(2)
	q.Close()

	if v, ok := q.PopWait(time.Second); !ok || v != 1 {
		t.Errorf("PopWait() after Close = (%d, %v), want (1, true)", v, ok)
	}
	if v, ok := q.PopWait(time.Second); !ok || v != 2 {
		t.Errorf("second PopWait() after Close = (%d, %v), want (2, true)", v, ok)
	}
	if _, ok := q.PopWait(time.Second); ok {
		t.Error("PopWait() on closed empty queue returned ok=true")
	}
}

func TestFIFO_ConcurrentProducersConsumers(t *testing.T) {
	q := NewFIFO[int]("concurrent", testLogger())
	const producers, perProducer = 4, 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Add(base*perProducer + i)
			}
		}(p)
	}

	var mu sync.Mutex
	seen := make(map[int]bool)
	var consumers sync.WaitGroup
	for c := 0; c < 4; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				v, ok := q.PopWait(200 * time.Millisecond)
				if !ok {
					return
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	consumers.Wait()

	if len(seen) != producers*perProducer {
		t.Errorf("consumed %d distinct items, want %d", len(seen), producers*perProducer)
	}
}
