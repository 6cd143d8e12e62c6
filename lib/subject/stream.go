package subject

import (
	"sync"
)

// Observer receives the notifications of a Stream. Nil callbacks are skipped.
type Observer[T any] struct {
	// Next receives the current value on subscribe and every full replace
	Next func(v T)
	// Append receives every delta
	Append func(delta T)
	// Complete is called once when the producer ends the stream
	Complete func()
	// Error is called once when the producer fails
	Error func(err error)
}

// Stream is a stateful push stream: a current value plus a delta channel.
// Subscribers get the current value immediately and every change after it.
//
// The producer ends the stream with Complete or Error. The consumer side calls
// Close, which runs the teardown functions and releases producer resources.
//
// Observers are called in emission order and must not emit on the same
// stream from inside a callback.
type Stream[T any] struct {
	emitMu sync.Mutex // serializes emissions and the initial delivery of Subscribe

	mu        sync.Mutex
	value     T
	observers map[uint64]*Observer[T]
	order     []uint64
	nextID    uint64
	appender  func(cur, delta T) T
	teardowns []func()
	finished  bool // completed or errored
	closed    bool
	err       error
	done      chan struct{}
	doneOnce  sync.Once
}

// NewStream creates a stream holding initial. teardown (may be nil) runs on Close.
func NewStream[T any](initial T, teardown func()) *Stream[T] {
	s := &Stream[T]{
		value:     initial,
		observers: make(map[uint64]*Observer[T]),
		done:      make(chan struct{}),
	}
	if teardown != nil {
		s.teardowns = append(s.teardowns, teardown)
	}
	return s
}

// SetAppender makes Append fold every delta into the current value
func (s *Stream[T]) SetAppender(fn func(cur, delta T) T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appender = fn
}

// Value returns the current value
func (s *Stream[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Subscribe registers o and delivers the current value to it. The returned
// function removes the observer.
func (s *Stream[T]) Subscribe(o Observer[T]) (unsubscribe func()) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	if s.finished {
		err := s.err
		value := s.value
		s.mu.Unlock()
		if o.Next != nil {
			o.Next(value)
		}
		finish(&o, err)
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.observers[id] = &o
	s.order = append(s.order, id)
	value := s.value
	s.mu.Unlock()

	if o.Next != nil {
		o.Next(value)
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.removeLocked(id)
	}
}

// Next replaces the current value
func (s *Stream[T]) Next(v T) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.closed || s.finished {
		s.mu.Unlock()
		return
	}
	s.value = v
	obs := s.snapshotLocked()
	s.mu.Unlock()

	for _, o := range obs {
		if o.Next != nil {
			o.Next(v)
		}
	}
}

// Append emits a delta and folds it into the value if an appender is set
func (s *Stream[T]) Append(delta T) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.closed || s.finished {
		s.mu.Unlock()
		return
	}
	if s.appender != nil {
		s.value = s.appender(s.value, delta)
	}
	obs := s.snapshotLocked()
	s.mu.Unlock()

	for _, o := range obs {
		if o.Append != nil {
			o.Append(delta)
		}
	}
}

// Complete ends the stream successfully
func (s *Stream[T]) Complete() {
	s.end(nil)
}

// Error ends the stream with err
func (s *Stream[T]) Error(err error) {
	s.end(err)
}

// Err returns the error the stream ended with
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// AddTeardown registers fn to run on Close. If the stream is already closed
// fn runs immediately.
func (s *Stream[T]) AddTeardown(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.teardowns = append(s.teardowns, fn)
	s.mu.Unlock()
}

// Close drops every observer and runs the teardown functions once
func (s *Stream[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	teardowns := s.teardowns
	s.teardowns = nil
	s.observers = make(map[uint64]*Observer[T])
	s.order = nil
	s.mu.Unlock()

	s.doneOnce.Do(func() { close(s.done) })
	for _, fn := range teardowns {
		fn()
	}
}

// IsClosed reports whether Close was called
func (s *Stream[T]) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed once the stream completed, failed or was closed
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Observers returns the number of registered observers
func (s *Stream[T]) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *Stream[T]) end(err error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.closed || s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.err = err
	obs := s.snapshotLocked()
	s.observers = make(map[uint64]*Observer[T])
	s.order = nil
	s.mu.Unlock()

	s.doneOnce.Do(func() { close(s.done) })
	for _, o := range obs {
		finish(o, err)
	}
}

func finish[T any](o *Observer[T], err error) {
	if err != nil {
		if o.Error != nil {
			o.Error(err)
		}
		return
	}
	if o.Complete != nil {
		o.Complete()
	}
}

// snapshotLocked copies the observers in subscription order
func (s *Stream[T]) snapshotLocked() []*Observer[T] {
	out := make([]*Observer[T], 0, len(s.order))
	for _, id := range s.order {
		if o, ok := s.observers[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

func (s *Stream[T]) removeLocked(id uint64) {
	if _, ok := s.observers[id]; !ok {
		return
	}
	delete(s.observers, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
