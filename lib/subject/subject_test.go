package subject

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDeliversCurrentValueFirst(t *testing.T) {
	s := NewStream("a", nil)
	s.Next("b")

	var got []string
	unsub := s.Subscribe(Observer[string]{Next: func(v string) { got = append(got, v) }})
	s.Next("c")
	unsub()
	s.Next("d")

	assert.Equal(t, []string{"b", "c"}, got)
	assert.Equal(t, "d", s.Value())
	assert.Equal(t, 0, s.Observers())
}

func TestStreamAppend(t *testing.T) {
	s := NewStream("", nil)
	s.SetAppender(ConcatString)

	var deltas []string
	s.Subscribe(Observer[string]{Append: func(d string) { deltas = append(deltas, d) }})
	s.Append("hello ")
	s.Append("world")

	assert.Equal(t, []string{"hello ", "world"}, deltas)
	assert.Equal(t, "hello world", s.Value())

	b := NewStream([]byte("ab"), nil)
	b.SetAppender(ConcatBytes)
	b.Append([]byte("c"))
	assert.Equal(t, []byte("abc"), b.Value())
}

func TestStreamComplete(t *testing.T) {
	s := NewStream(1, nil)
	completed := 0
	s.Subscribe(Observer[int]{Complete: func() { completed++ }})

	s.Complete()
	s.Complete()
	s.Next(2)

	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, s.Value())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Complete")
	}

	// late subscribers get the last value and the completion
	var late []int
	lateDone := false
	s.Subscribe(Observer[int]{Next: func(v int) { late = append(late, v) }, Complete: func() { lateDone = true }})
	assert.Equal(t, []int{1}, late)
	assert.True(t, lateDone)
}

func TestStreamError(t *testing.T) {
	s := NewStream(0, nil)
	var got error
	s.Subscribe(Observer[int]{Error: func(err error) { got = err }})

	boom := errors.New("boom")
	s.Error(boom)
	assert.ErrorIs(t, got, boom)
	assert.ErrorIs(t, s.Err(), boom)
}

func TestStreamCloseRunsTeardownsOnce(t *testing.T) {
	calls := 0
	s := NewStream(0, func() { calls++ })
	s.AddTeardown(func() { calls++ })
	s.Subscribe(Observer[int]{})

	s.Close()
	s.Close()
	assert.Equal(t, 2, calls)
	assert.True(t, s.IsClosed())
	assert.Equal(t, 0, s.Observers())

	// teardowns added after close run right away
	s.AddTeardown(func() { calls++ })
	assert.Equal(t, 3, calls)

	// closed streams ignore emissions
	s.Next(5)
	assert.Equal(t, 0, s.Value())
}

func TestStreamUnsubscribeInsideCallback(t *testing.T) {
	s := NewStream(0, nil)
	var unsub func()
	calls := 0
	unsub = s.Subscribe(Observer[int]{Next: func(int) {
		calls++
		if unsub != nil {
			unsub()
		}
	}})
	s.Next(1)
	s.Next(2)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, s.Observers())
}

func TestEntitySubject(t *testing.T) {
	released := false
	doc := entity.Document{"id": "a", "version": 1, "x": 1}
	s := NewEntitySubject("todo", doc, func() { released = true })
	require.Equal(t, "a", s.ID())
	require.Equal(t, "todo", s.EntityName())
	require.False(t, s.Empty())

	var patches []map[string]any
	s.OnPatch(func(p map[string]any) { patches = append(patches, p) })
	nexts := 0
	s.Subscribe(Observer[entity.Document]{Next: func(entity.Document) { nexts++ }})

	entity.ApplyPatch(s.Value(), map[string]any{"x": 5})
	s.EmitPatch(map[string]any{"x": 5})
	assert.Len(t, patches, 1)
	assert.Equal(t, 2, nexts)

	deletions := 0
	s.OnDeletion(func() { deletions++ })
	s.MarkDeleted()
	s.MarkDeleted()
	assert.Equal(t, 1, deletions)
	assert.True(t, s.Deleted())

	// registering after the deletion fires immediately
	s.OnDeletion(func() { deletions++ })
	assert.Equal(t, 2, deletions)

	s.Close()
	assert.True(t, released)
}

func TestEmptyEntitySubject(t *testing.T) {
	s := NewEntitySubject("todo", nil, nil)
	assert.True(t, s.Empty())
	assert.Equal(t, "", s.ID())
}
