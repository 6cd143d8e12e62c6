package entitystorage

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dSync/lib/collection"
	"github.com/ValentinKolb/dSync/lib/database"
	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/query"
	"github.com/ValentinKolb/dSync/rpc/client"
)

// liveQuery keeps a collection in sync with the database
type liveQuery struct {
	storage    *EntityStorage
	entityName string
	filter     query.Filter
	col        *collection.Collection

	mu        sync.Mutex
	predicate *query.Predicate
	known     map[string]*sentState // member id -> its lease
	closed    bool
}

// Find returns a live collection of all entities matching filter. Every
// member is leased while it is a member. The collection follows adds,
// changes and removals of the type; closing it releases all leases and
// subscriptions.
//
// If pagination is active or the filter uses parameters, every relevant
// change and every client:apply pagination event re-runs the query and
// replaces the members with one set event. The new total is emitted as
// server:change pagination event.
func (s *EntityStorage) Find(ctx context.Context, entityName string, filter query.Filter, pagination collection.PaginationState) (*collection.Collection, error) {
	col := collection.New(entityName)
	col.Pagination().Update(pagination)

	q := &liveQuery{
		storage:    s,
		entityName: entityName,
		filter:     filter,
		col:        col,
		known:      make(map[string]*sentState),
	}
	predicate, err := query.Compile(filter, pagination.Parameters)
	if err != nil {
		return nil, err
	}
	q.predicate = predicate

	fieldSub, err := s.exchange.SubscribeEntityFields(ctx, entityName, query.Fields(filter))
	if err != nil {
		return nil, err
	}

	// events wait for the initial load
	q.mu.Lock()
	unlisten, err := s.listen(ctx, entityName, q.onEvent)
	if err != nil {
		q.mu.Unlock()
		releaseFields(fieldSub)
		return nil, err
	}

	if q.requery() {
		err = q.reloadLocked(ctx)
	} else {
		err = q.loadLocked(ctx)
	}
	q.mu.Unlock()
	if err != nil {
		unlisten()
		releaseFields(fieldSub)
		q.releaseAll()
		return nil, err
	}

	stopPagination := col.Pagination().OnEvent(func(e collection.PaginationEvent) {
		if e.Type == collection.PaginationClientApply {
			q.onClientApply(e.State)
		}
	})

	col.AddTeardown(func() {
		stopPagination()
		unlisten()
		q.releaseAll()
		releaseFields(fieldSub)
	})
	return col, nil
}

// --------------------------------------------------------------------------
// Loading
// --------------------------------------------------------------------------

// requery reports whether changes are handled by re-running the query
func (q *liveQuery) requery() bool {
	return q.col.Pagination().IsActive() || query.HasParameters(q.filter)
}

func (q *liveQuery) loadLocked(ctx context.Context) error {
	state := q.col.Pagination().State()
	docs, err := q.storage.db.Find(ctx, q.entityName, database.FindOptions{
		Filter: q.filter,
		Params: state.Parameters,
		Sort:   state.Sort,
	})
	if err != nil {
		return err
	}
	q.setLocked(docs)
	q.col.Pagination().SetTotal(len(docs))
	q.col.Set(docs)
	return nil
}

// reloadLocked runs the paged query and replaces the members
func (q *liveQuery) reloadLocked(ctx context.Context) error {
	state := q.col.Pagination().State()
	total, err := q.storage.db.Count(ctx, q.entityName, q.filter, state.Parameters)
	if err != nil {
		return err
	}
	opts := database.FindOptions{
		Filter: q.filter,
		Params: state.Parameters,
		Sort:   state.Sort,
	}
	if state.ItemsPerPage > 0 {
		opts.Skip = (state.Page - 1) * state.ItemsPerPage
		opts.Limit = state.ItemsPerPage
	}
	docs, err := q.storage.db.Find(ctx, q.entityName, opts)
	if err != nil {
		return err
	}
	q.setLocked(docs)
	q.col.Pagination().SetTotal(total)
	q.col.Set(docs)
	return nil
}

// setLocked leases the new members and releases the ones that left
func (q *liveQuery) setLocked(docs []entity.Document) {
	next := make(map[string]*sentState, len(docs))
	for _, d := range docs {
		id := d.ID()
		if lease, ok := q.known[id]; ok {
			next[id] = lease
		} else {
			next[id] = q.storage.acquire(q.entityName, id, d.Version())
		}
	}
	for id, lease := range q.known {
		if _, ok := next[id]; !ok {
			q.storage.release(q.entityName, id, lease)
		}
	}
	q.known = next
}

func (q *liveQuery) releaseAll() {
	q.mu.Lock()
	q.closed = true
	known := q.known
	q.known = make(map[string]*sentState)
	q.mu.Unlock()

	for id, lease := range known {
		q.storage.release(q.entityName, id, lease)
	}
}

func releaseFields(sub *client.FieldSubscription) {
	if err := sub.Unsubscribe(); err != nil {
		Logger.Debugf("failed to release entity fields: %v", err)
	}
}

// --------------------------------------------------------------------------
// Event Handling
// --------------------------------------------------------------------------

func (q *liveQuery) onClientApply(state collection.PaginationState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	predicate, err := query.Compile(q.filter, state.Parameters)
	if err != nil {
		Logger.Warningf("invalid parameters for %s query: %v", q.entityName, err)
		return
	}
	q.predicate = predicate
	q.reloadAndEmitLocked()
}

func (q *liveQuery) onEvent(e *entity.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.requery() {
		if q.relevantLocked(e) {
			q.reloadAndEmitLocked()
		}
		return
	}

	switch e.Type {
	case entity.EventAdd:
		if !q.isMemberLocked(e.ID) && e.Item != nil && q.predicate.Match(e.Item) {
			q.addLocked(e.Item)
		}
	case entity.EventUpdate, entity.EventPatch:
		if e.Item == nil {
			return
		}
		matches := q.predicate.Match(e.Item)
		switch {
		case q.isMemberLocked(e.ID) && !matches:
			q.removeLocked(e.ID)
		case !q.isMemberLocked(e.ID) && matches:
			item := e.Item
			if e.Type == entity.EventPatch {
				// a patch only carries the changed and subscribed fields
				full, err := q.storage.db.Get(context.Background(), q.entityName, query.Filter{entity.KeyID: e.ID})
				if err != nil {
					Logger.Debugf("patched %s %s vanished: %v", q.entityName, e.ID, err)
					return
				}
				item = full
			}
			q.addLocked(item)
		}
	case entity.EventRemove:
		if q.isMemberLocked(e.ID) {
			q.removeLocked(e.ID)
		}
	case entity.EventRemoveMany:
		removed := make([]string, 0, len(e.IDs))
		for _, id := range e.IDs {
			if lease, ok := q.known[id]; ok {
				delete(q.known, id)
				q.storage.release(q.entityName, id, lease)
				removed = append(removed, id)
			}
		}
		q.col.RemoveMany(removed)
	}
}

// relevantLocked reports whether e can change the result of a paged query
func (q *liveQuery) relevantLocked(e *entity.Event) bool {
	switch e.Type {
	case entity.EventAdd:
		return e.Item != nil && q.predicate.Match(e.Item)
	case entity.EventUpdate, entity.EventPatch:
		return q.isMemberLocked(e.ID) || (e.Item != nil && q.predicate.Match(e.Item))
	case entity.EventRemove:
		return q.isMemberLocked(e.ID)
	case entity.EventRemoveMany:
		for _, id := range e.IDs {
			if q.isMemberLocked(id) {
				return true
			}
		}
	}
	return false
}

func (q *liveQuery) reloadAndEmitLocked() {
	if err := q.reloadLocked(context.Background()); err != nil {
		Logger.Errorf("failed to reload %s query: %v", q.entityName, err)
		return
	}
	q.col.Pagination().Emit(collection.PaginationServerChange)
}

func (q *liveQuery) isMemberLocked(id string) bool {
	_, ok := q.known[id]
	return ok
}

func (q *liveQuery) addLocked(item entity.Document) {
	q.known[item.ID()] = q.storage.acquire(q.entityName, item.ID(), item.Version())
	q.col.Add(item)
}

func (q *liveQuery) removeLocked(id string) {
	lease := q.known[id]
	delete(q.known, id)
	q.storage.release(q.entityName, id, lease)
	q.col.Remove(id)
}
