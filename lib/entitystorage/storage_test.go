package entitystorage_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/collection"
	"github.com/ValentinKolb/dSync/lib/database"
	"github.com/ValentinKolb/dSync/lib/database/memdb"
	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/entitystorage"
	"github.com/ValentinKolb/dSync/lib/query"
	rpctesting "github.com/ValentinKolb/dSync/rpc/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

type syncRecorder struct {
	mu     sync.Mutex
	events []*entity.Event
}

func (r *syncRecorder) record(_ string, e *entity.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *syncRecorder) count(t entity.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *syncRecorder) last() *entity.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func setup(t *testing.T) (*entitystorage.EntityStorage, database.IDatabase, *syncRecorder) {
	t.Helper()
	ex := rpctesting.StartExchange(t)
	db := memdb.New(ex)
	rec := &syncRecorder{}
	s := entitystorage.New(ex, db, rec.record)
	t.Cleanup(s.Destroy)
	return s, db, rec
}

func TestFindOneForwardsNewerVersionsOnly(t *testing.T) {
	s, db, rec := setup(t)
	ctx := context.Background()

	_, err := db.Add(ctx, "todo", entity.Document{"id": "T1", "title": "milk"})
	require.NoError(t, err)

	sub, err := s.FindOne(ctx, "todo", query.Filter{"id": "T1"})
	require.NoError(t, err)
	assert.Equal(t, "T1", sub.ID())
	assert.Equal(t, 1, s.Leases("todo", "T1"))
	assert.True(t, s.Subscribed("todo"))

	_, err = db.Patch(ctx, "todo", "T1", map[string]any{"x": 5})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count(entity.EventPatch) == 1 }, wait, tick)
	last := rec.last()
	assert.Equal(t, int64(2), last.Version)
	assert.EqualValues(t, 5, last.Patch["x"])

	sub.Close()
	assert.Equal(t, 0, s.Leases("todo", "T1"))
	require.Eventually(t, func() bool { return !s.Subscribed("todo") }, wait, tick)

	_, err = db.Patch(ctx, "todo", "T1", map[string]any{"x": 6})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(entity.EventPatch))
}

func TestFindOneMissing(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	_, err := s.FindOne(ctx, "todo", query.Filter{"id": "nope"})
	assert.True(t, errors.Is(err, entitystorage.ErrNotFound))

	sub, err := s.FindOneOrUndefined(ctx, "todo", query.Filter{"id": "nope"})
	require.NoError(t, err)
	assert.True(t, sub.Empty())
	sub.Close()
	assert.False(t, s.Subscribed("todo"))
}

func TestRemovePurgesLease(t *testing.T) {
	s, db, rec := setup(t)
	ctx := context.Background()

	_, err := db.Add(ctx, "todo", entity.Document{"id": "T1", "done": false})
	require.NoError(t, err)

	one, err := s.FindOne(ctx, "todo", query.Filter{"id": "T1"})
	require.NoError(t, err)
	defer one.Close()
	col, err := s.Find(ctx, "todo", query.Filter{"done": false}, collection.PaginationState{})
	require.NoError(t, err)
	defer col.Close()
	assert.Equal(t, 2, s.Leases("todo", "T1"))

	require.NoError(t, db.Remove(ctx, "todo", "T1"))
	require.Eventually(t, func() bool { return !col.Has("T1") }, wait, tick)
	assert.Equal(t, 1, rec.count(entity.EventRemove))
	assert.Equal(t, 0, s.Leases("todo", "T1"))
}

func TestStaleSubjectKeepsReleasedLease(t *testing.T) {
	s, db, rec := setup(t)
	ctx := context.Background()

	_, err := db.Add(ctx, "todo", entity.Document{"id": "T1", "done": false})
	require.NoError(t, err)

	stale, err := s.FindOne(ctx, "todo", query.Filter{"id": "T1"})
	require.NoError(t, err)
	col, err := s.Find(ctx, "todo", query.Filter{"done": false}, collection.PaginationState{})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Leases("todo", "T1"))

	require.NoError(t, db.Remove(ctx, "todo", "T1"))
	require.Eventually(t, func() bool { return !col.Has("T1") }, wait, tick)
	assert.Equal(t, 0, s.Leases("todo", "T1"))

	_, err = db.Add(ctx, "todo", entity.Document{"id": "T1", "done": false})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return col.Has("T1") }, wait, tick)
	assert.Equal(t, 1, s.Leases("todo", "T1"))

	// the subject still holds the lease purged by the remove
	stale.Close()
	assert.Equal(t, 1, s.Leases("todo", "T1"))

	_, err = db.Patch(ctx, "todo", "T1", map[string]any{"title": "milk"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count(entity.EventPatch) == 1 }, wait, tick)

	// a second view of the re-added instance shares the lease
	again, err := s.FindOne(ctx, "todo", query.Filter{"id": "T1"})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Leases("todo", "T1"))
	again.Close()
	assert.Equal(t, 1, s.Leases("todo", "T1"))

	col.Close()
	assert.Equal(t, 0, s.Leases("todo", "T1"))
	require.Eventually(t, func() bool { return !s.Subscribed("todo") }, wait, tick)
}

func TestRemoveManyOnlyForwardsLeased(t *testing.T) {
	s, db, rec := setup(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := db.Add(ctx, "todo", entity.Document{"id": id, "done": id == "c"})
		require.NoError(t, err)
	}
	col, err := s.Find(ctx, "todo", query.Filter{"done": false}, collection.PaginationState{})
	require.NoError(t, err)
	defer col.Close()
	assert.Equal(t, []string{"a", "b"}, col.IDs())

	_, err = db.RemoveMany(ctx, "todo", query.Filter{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return col.Count() == 0 }, wait, tick)

	require.Equal(t, 1, rec.count(entity.EventRemoveMany))
	assert.Equal(t, []string{"a", "b"}, rec.last().IDs)
}

func TestFindFollowsMembership(t *testing.T) {
	s, db, _ := setup(t)
	ctx := context.Background()

	_, err := db.Add(ctx, "todo", entity.Document{"id": "T1", "title": "milk", "done": false})
	require.NoError(t, err)
	_, err = db.Add(ctx, "todo", entity.Document{"id": "T2", "title": "eggs", "done": true})
	require.NoError(t, err)

	col, err := s.Find(ctx, "todo", query.Filter{"done": false}, collection.PaginationState{})
	require.NoError(t, err)
	assert.True(t, col.Loaded())
	assert.Equal(t, []string{"T1"}, col.IDs())
	assert.Equal(t, 1, s.Leases("todo", "T1"))

	var mu sync.Mutex
	var events []collection.EventType
	col.Subscribe(func(e collection.Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})

	_, err = db.Add(ctx, "todo", entity.Document{"id": "T3", "done": false})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return col.Has("T3") }, wait, tick)

	_, err = db.Patch(ctx, "todo", "T1", map[string]any{"done": true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !col.Has("T1") }, wait, tick)
	assert.Equal(t, 0, s.Leases("todo", "T1"))

	// a patch that newly matches loads the full document
	_, err = db.Patch(ctx, "todo", "T2", map[string]any{"done": false})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return col.Has("T2") }, wait, tick)
	t2, _ := col.Get("T2")
	assert.Equal(t, "eggs", t2["title"])

	require.NoError(t, db.Remove(ctx, "todo", "T3"))
	require.Eventually(t, func() bool { return !col.Has("T3") }, wait, tick)

	mu.Lock()
	assert.Equal(t, []collection.EventType{
		collection.EventAdd, collection.EventRemove, collection.EventAdd, collection.EventRemove,
	}, events)
	mu.Unlock()

	col.Close()
	assert.Equal(t, 0, s.Leases("todo", "T2"))
	require.Eventually(t, func() bool { return !s.Subscribed("todo") }, wait, tick)
}

func TestFindIgnoresMutationsKeepingMembership(t *testing.T) {
	s, db, rec := setup(t)
	ctx := context.Background()

	_, err := db.Add(ctx, "todo", entity.Document{"id": "T1", "title": "milk", "done": false})
	require.NoError(t, err)
	_, err = db.Add(ctx, "todo", entity.Document{"id": "T2", "title": "eggs", "done": true})
	require.NoError(t, err)

	col, err := s.Find(ctx, "todo", query.Filter{"done": false}, collection.PaginationState{})
	require.NoError(t, err)
	defer col.Close()

	var mu sync.Mutex
	var events []collection.EventType
	col.Subscribe(func(e collection.Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})

	_, err = db.Patch(ctx, "todo", "T1", map[string]any{"title": "oat milk"})
	require.NoError(t, err)
	_, err = db.Update(ctx, "todo", entity.Document{"id": "T1", "title": "soy milk", "done": false})
	require.NoError(t, err)
	_, err = db.Patch(ctx, "todo", "T2", map[string]any{"title": "brown eggs"})
	require.NoError(t, err)
	_, err = db.Update(ctx, "todo", entity.Document{"id": "T2", "title": "white eggs", "done": true})
	require.NoError(t, err)

	// events of one type arrive in order, T3 marks the end of the mutations
	_, err = db.Add(ctx, "todo", entity.Document{"id": "T3", "done": false})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return col.Has("T3") }, wait, tick)

	mu.Lock()
	assert.Equal(t, []collection.EventType{collection.EventAdd}, events)
	mu.Unlock()
	assert.Equal(t, []string{"T1", "T3"}, col.IDs())

	// the member still receives its changes, the non member does not
	assert.Equal(t, 1, rec.count(entity.EventPatch))
	assert.Equal(t, 1, rec.count(entity.EventUpdate))
	assert.Equal(t, 1, s.Leases("todo", "T1"))
	assert.Equal(t, 0, s.Leases("todo", "T2"))
}

func TestFindPaged(t *testing.T) {
	s, db, _ := setup(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := db.Add(ctx, "todo", entity.Document{"id": fmt.Sprintf("t%d", i), "n": i})
		require.NoError(t, err)
	}

	col, err := s.Find(ctx, "todo", query.Filter{}, collection.PaginationState{
		Page:         1,
		ItemsPerPage: 2,
		Sort:         query.ParseSort("n"),
	})
	require.NoError(t, err)
	defer col.Close()
	assert.Equal(t, []string{"t1", "t2"}, col.IDs())
	assert.Equal(t, 5, col.Pagination().State().Total)

	var mu sync.Mutex
	var totals []int
	col.Pagination().OnEvent(func(e collection.PaginationEvent) {
		if e.Type == collection.PaginationServerChange {
			mu.Lock()
			totals = append(totals, e.State.Total)
			mu.Unlock()
		}
	})

	col.Pagination().SetPage(2)
	col.Pagination().Emit(collection.PaginationClientApply)
	assert.Equal(t, []string{"t3", "t4"}, col.IDs())
	assert.Equal(t, 0, s.Leases("todo", "t1"))
	assert.Equal(t, 1, s.Leases("todo", "t3"))

	_, err = db.Add(ctx, "todo", entity.Document{"id": "t0", "n": 0})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ids := col.IDs()
		return len(ids) == 2 && ids[0] == "t2"
	}, wait, tick)
	assert.Equal(t, 6, col.Pagination().State().Total)

	mu.Lock()
	assert.Equal(t, []int{5, 6}, totals)
	mu.Unlock()
}

func TestCount(t *testing.T) {
	s, db, _ := setup(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := db.Add(ctx, "todo", entity.Document{"id": id, "done": false})
		require.NoError(t, err)
	}

	counter, err := s.Count(ctx, "todo", query.Filter{"done": false})
	require.NoError(t, err)
	defer counter.Close()
	assert.Equal(t, 2, counter.Value())

	_, err = db.Add(ctx, "todo", entity.Document{"id": "c", "done": false})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return counter.Value() == 3 }, wait, tick)

	_, err = db.Patch(ctx, "todo", "a", map[string]any{"done": true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return counter.Value() == 2 }, wait, tick)

	require.NoError(t, db.Remove(ctx, "todo", "b"))
	require.Eventually(t, func() bool { return counter.Value() == 1 }, wait, tick)
}
