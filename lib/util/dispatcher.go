// Package util
//
// This file provides an unbounded single consumer task queue. Producers never
// block: tasks are appended to a linked list and run one after another, in
// push order, on a dedicated goroutine. It decouples network readers from
// callbacks that may themselves wait on the network.
package util

import (
	"sync"
)

type task struct {
	fn   func()
	next *task
}

// Dispatcher runs pushed functions sequentially on its own goroutine
type Dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	head   *task
	tail   *task
	closed bool
	done   chan struct{}
}

// NewDispatcher creates a dispatcher and starts its consumer goroutine
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.consume()
	return d
}

// Push appends fn to the queue. It returns false if the dispatcher is closed.
//
// Thread-safety: This method is thread-safe and never blocks on the consumer.
func (d *Dispatcher) Push(fn func()) bool {
	if fn == nil {
		return false
	}
	t := &task{fn: fn}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if d.tail == nil {
		d.head = t
	} else {
		d.tail.next = t
	}
	d.tail = t
	d.cond.Signal()
	return true
}

// Close stops accepting tasks. Tasks already queued still run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
}

// Done is closed after Close once every queued task has run
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Len returns the number of queued tasks. This is O(n) and meant for debugging.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for t := d.head; t != nil; t = t.next {
		n++
	}
	return n
}

func (d *Dispatcher) consume() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for d.head == nil && !d.closed {
			d.cond.Wait()
		}
		t := d.head
		if t == nil {
			// closed and drained
			d.mu.Unlock()
			return
		}
		d.head = t.next
		if d.head == nil {
			d.tail = nil
		}
		d.mu.Unlock()

		t.fn()
	}
}
