package entitystate

import (
	"testing"

	"github.com/ValentinKolb/dSync/lib/collection"
	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/subject"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionScenario(t *testing.T) {
	s := New()
	col := collection.New("todo")

	var changes []collection.Event
	col.Subscribe(func(e collection.Event) { changes = append(changes, e) })

	s.HandleCollection(col, collection.Event{
		Type:  collection.EventSet,
		Items: []entity.Document{{"id": "a", "version": 1, "title": "milk"}},
	})
	require.Equal(t, []string{"a"}, col.IDs())
	assert.True(t, col.Loaded())
	assert.Equal(t, 1, s.Observers("todo", "a"))

	fired := 0
	unobserve := s.Observe("todo", "a", func(Change) { fired++ })
	defer unobserve()

	s.HandleEntity("todo", &entity.Event{Type: entity.EventPatch, ID: "a", Version: 2, Patch: map[string]any{"x": 5}})
	cached, ok := s.Get("todo", "a")
	require.True(t, ok)
	assert.Equal(t, 5, cached["x"])
	assert.Equal(t, int64(2), cached.Version())
	assert.Equal(t, 1, fired)

	// the collection member is the cached instance
	member, _ := col.Get("a")
	assert.Equal(t, 5, member["x"])

	// stale patch
	s.HandleEntity("todo", &entity.Event{Type: entity.EventPatch, ID: "a", Version: 2, Patch: map[string]any{"x": 7}})
	assert.Equal(t, 1, fired)
	cached, _ = s.Get("todo", "a")
	assert.Equal(t, 5, cached["x"])

	s.HandleCollection(col, collection.Event{Type: collection.EventRemove, ID: "a"})
	assert.Empty(t, col.IDs())

	require.Len(t, changes, 3)
	assert.Equal(t, collection.EventSet, changes[0].Type)
	assert.Equal(t, collection.EventChange, changes[1].Type)
	assert.Equal(t, collection.EventRemove, changes[2].Type)
	assert.Equal(t, "a", changes[2].ID)

	// the remaining observer keeps the entry alive
	assert.Equal(t, 1, s.Observers("todo", "a"))
	unobserve()
	assert.Equal(t, 0, s.Len("todo"))
}

func TestUpdateReplacesDocument(t *testing.T) {
	s := New()
	col := collection.New("todo")
	s.HandleCollection(col, collection.Event{Type: collection.EventSet, Items: []entity.Document{{"id": "a", "version": 1}}})

	var got []collection.EventType
	col.Subscribe(func(e collection.Event) { got = append(got, e.Type) })

	s.HandleEntity("todo", &entity.Event{Type: entity.EventUpdate, ID: "a", Version: 3, Item: entity.Document{"id": "a", "version": 3, "title": "eggs"}})
	member, _ := col.Get("a")
	assert.Equal(t, "eggs", member["title"])
	assert.Equal(t, []collection.EventType{collection.EventChange}, got)

	// an older update arriving late does not roll the cache back
	s.HandleEntity("todo", &entity.Event{Type: entity.EventUpdate, ID: "a", Version: 2, Item: entity.Document{"id": "a", "version": 2, "title": "milk"}})
	s.HandleEntity("todo", &entity.Event{Type: entity.EventUpdate, ID: "a", Version: 3, Item: entity.Document{"id": "a", "version": 3, "title": "bread"}})
	member, _ = col.Get("a")
	assert.Equal(t, "eggs", member["title"])
	assert.Equal(t, int64(3), member.Version())
	assert.Equal(t, []collection.EventType{collection.EventChange}, got)

	// unknown ids are ignored
	s.HandleEntity("todo", &entity.Event{Type: entity.EventUpdate, ID: "zzz", Item: entity.Document{"id": "zzz"}})
	_, ok := s.Get("todo", "zzz")
	assert.False(t, ok)
}

func TestSubjectFollowsCache(t *testing.T) {
	s := New()
	tornDown := false
	subj := s.Subject("todo", entity.Document{"id": "a", "version": 1, "x": 1}, func() { tornDown = true })

	var values []any
	completed := false
	subj.Subscribe(subjectObserver(&values, &completed))
	var patches []map[string]any
	subj.OnPatch(func(p map[string]any) { patches = append(patches, p) })

	s.HandleEntity("todo", &entity.Event{Type: entity.EventPatch, ID: "a", Version: 2, Patch: map[string]any{"x": 2}})
	require.Len(t, patches, 1)
	assert.Equal(t, []any{1, 2}, values)

	s.HandleEntity("todo", &entity.Event{Type: entity.EventRemove, ID: "a"})
	assert.True(t, subj.Deleted())
	assert.True(t, completed)
	assert.Equal(t, 0, s.Len("todo"))

	subj.Close()
	assert.True(t, tornDown)
}

func TestRemoveManyAndUnsubscribe(t *testing.T) {
	s := New()
	col := collection.New("todo")
	s.HandleCollection(col, collection.Event{Type: collection.EventSet, Items: []entity.Document{
		{"id": "a", "version": 1}, {"id": "b", "version": 1}, {"id": "c", "version": 1},
	}})
	assert.Equal(t, 3, s.Len("todo"))

	s.HandleCollection(col, collection.Event{Type: collection.EventSort, IDs: []string{"c", "a", "b"}})
	assert.Equal(t, []string{"c", "a", "b"}, col.IDs())

	s.HandleCollection(col, collection.Event{Type: collection.EventRemoveMany, IDs: []string{"a", "c"}})
	assert.Equal(t, []string{"b"}, col.IDs())
	assert.Equal(t, 1, s.Len("todo"))

	s.HandleCollection(col, collection.Event{Type: collection.EventAdd, Item: entity.Document{"id": "d", "version": 1}})
	assert.Equal(t, []string{"b", "d"}, col.IDs())

	s.UnsubscribeCollection(col)
	assert.Equal(t, 0, s.Len("todo"))
}

func TestSetUnlinksDepartedMembers(t *testing.T) {
	s := New()
	col := collection.New("todo")
	s.HandleCollection(col, collection.Event{Type: collection.EventSet, Items: []entity.Document{{"id": "a", "version": 1}}})
	s.HandleCollection(col, collection.Event{Type: collection.EventSet, Items: []entity.Document{{"id": "b", "version": 1}}})
	assert.Equal(t, []string{"b"}, col.IDs())
	_, ok := s.Get("todo", "a")
	assert.False(t, ok)

	s.HandlePagination(col, collection.PaginationState{Page: 2, ItemsPerPage: 10, Total: 11})
	assert.Equal(t, 11, col.Pagination().State().Total)
	assert.Equal(t, []string{"b"}, col.IDs())
}

func subjectObserver(values *[]any, completed *bool) subject.Observer[entity.Document] {
	return subject.Observer[entity.Document]{
		Next:     func(d entity.Document) { *values = append(*values, d["x"]) },
		Complete: func() { *completed = true },
	}
}
