package action

import (
	"github.com/ValentinKolb/dSync/lib/collection"
	"github.com/ValentinKolb/dSync/lib/subject"
)

// Result is the value returned by an action. It is one of Scalar, Entity,
// Stream or Collection.
type Result interface {
	Kind() ResultKind
	isResult()
}

// Scalar is a plain value sent once
type Scalar struct {
	Value any
}

// Entity is a single entity kept in sync with the client. Nil Subject or an
// empty subject sends no item.
type Entity struct {
	Subject *subject.EntitySubject
}

// Stream is a stateful push stream the client subscribes to
type Stream struct {
	Source StreamSource
}

// Collection is a live collection
type Collection struct {
	Collection *collection.Collection
}

func (Scalar) Kind() ResultKind     { return ResultScalar }
func (Entity) Kind() ResultKind     { return ResultEntity }
func (Stream) Kind() ResultKind     { return ResultStream }
func (Collection) Kind() ResultKind { return ResultCollection }

func (Scalar) isResult()     {}
func (Entity) isResult()     {}
func (Stream) isResult()     {}
func (Collection) isResult() {}

// StreamSource is a push stream with its element type erased
type StreamSource interface {
	// SubscribeAny registers o and delivers the current value to it
	SubscribeAny(o subject.Observer[any]) (unsubscribe func())
	// Close tears the stream down and releases the producer
	Close()
}

// NewStream wraps a typed stream as stream result
func NewStream[T any](s *subject.Stream[T]) Stream {
	return Stream{Source: streamAdapter[T]{s}}
}

type streamAdapter[T any] struct {
	s *subject.Stream[T]
}

func (a streamAdapter[T]) SubscribeAny(o subject.Observer[any]) func() {
	typed := subject.Observer[T]{Complete: o.Complete, Error: o.Error}
	if o.Next != nil {
		typed.Next = func(v T) { o.Next(v) }
	}
	if o.Append != nil {
		typed.Append = func(v T) { o.Append(v) }
	}
	return a.s.Subscribe(typed)
}

func (a streamAdapter[T]) Close() {
	a.s.Close()
}
