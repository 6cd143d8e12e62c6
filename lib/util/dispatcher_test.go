package util

import (
	"sync"
	"testing"
	"time"
)

// TestDispatcherOrder checks that tasks run in push order
func TestDispatcherOrder(t *testing.T) {
	d := NewDispatcher()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if !d.Push(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("Failed to push task %d", i)
		}
	}
	d.Close()

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for dispatcher to drain")
	}

	if len(got) != 100 {
		t.Fatalf("Expected 100 tasks to run, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Task %d ran at position %d", v, i)
		}
	}
}

// TestDispatcherNonBlocking pushes while the consumer is busy
func TestDispatcherNonBlocking(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	release := make(chan struct{})
	d.Push(func() { <-release })

	start := time.Now()
	for i := 0; i < 1000; i++ {
		d.Push(func() {})
	}
	if time.Since(start) > time.Second {
		t.Errorf("Push blocked while consumer was busy")
	}
	close(release)
}

// TestDispatcherClosed checks that a closed dispatcher rejects tasks
func TestDispatcherClosed(t *testing.T) {
	d := NewDispatcher()
	d.Close()
	if d.Push(func() {}) {
		t.Error("Push after Close should return false")
	}
	if d.Push(nil) {
		t.Error("Push(nil) should return false")
	}
}
