package entitystate

import (
	"sync"

	"github.com/ValentinKolb/dSync/lib/collection"
	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/subject"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("entitystate")

// Change is the notification of a cached entity. Doc is the cached document
// itself and must not be modified by observers.
type Change struct {
	Type  entity.EventType // update, patch or remove
	Doc   entity.Document
	Patch map[string]any
}

// storeItem is the cached instance of one entity plus its observers
type storeItem struct {
	doc       entity.Document
	observers map[uint64]func(Change)
	order     []uint64
}

// EntityState is the client side cache of entity instances. It holds one
// document per (type, id), applies the sync messages of the server to it and
// links collections to the cached documents. An entry lives as long as it has
// observers.
type EntityState struct {
	mu     sync.Mutex
	stores map[string]map[string]*storeItem
	links  map[*collection.Collection]map[string]func()
	nextID uint64
}

// New creates an empty entity state
func New() *EntityState {
	return &EntityState{
		stores: make(map[string]map[string]*storeItem),
		links:  make(map[*collection.Collection]map[string]func()),
	}
}

// Get returns the cached document
func (s *EntityState) Get(entityName, id string) (entity.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.stores[entityName][id]
	if !ok || it.doc == nil {
		return nil, false
	}
	return it.doc, true
}

// Observers returns the number of observers of an entity
func (s *EntityState) Observers(entityName, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.stores[entityName][id]; ok {
		return len(it.observers)
	}
	return 0
}

// Len returns the number of cached entities of a type
func (s *EntityState) Len(entityName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stores[entityName])
}

// Observe registers fn for every change of the entity. Removing the last
// observer evicts the entry.
func (s *EntityState) Observe(entityName, id string, fn func(Change)) (unobserve func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observeLocked(entityName, id, fn)
}

// Subject returns a live subject of doc backed by the cache. A cached
// instance with a newer version wins over doc. The subject completes when the
// entity is removed; teardown (may be nil) runs on Close.
func (s *EntityState) Subject(entityName string, doc entity.Document, teardown func()) *subject.EntitySubject {
	s.mu.Lock()
	cached := s.storeLocked(entityName, doc)
	subj := subject.NewEntitySubject(entityName, cached, nil)
	unobserve := s.observeLocked(entityName, cached.ID(), func(c Change) {
		switch c.Type {
		case entity.EventUpdate:
			subj.Next(c.Doc)
		case entity.EventPatch:
			subj.EmitPatch(c.Patch)
		case entity.EventRemove:
			subj.MarkDeleted()
			subj.Complete()
		}
	})
	s.mu.Unlock()

	subj.AddTeardown(unobserve)
	if teardown != nil {
		subj.AddTeardown(teardown)
	}
	return subj
}

// --------------------------------------------------------------------------
// Sync messages
// --------------------------------------------------------------------------

// HandleEntity applies an entity/update, entity/patch, entity/remove or
// entity/removeMany message. Messages for entities that are not cached are
// ignored, as are updates and patches that are not newer than the cached
// version.
func (s *EntityState) HandleEntity(entityName string, e *entity.Event) {
	switch e.Type {
	case entity.EventUpdate:
		s.update(entityName, e.ID, e.Version, e.Item)
	case entity.EventPatch:
		s.patch(entityName, e.ID, e.Version, e.Patch)
	case entity.EventRemove:
		s.remove(entityName, e.ID)
	case entity.EventRemoveMany:
		for _, id := range e.IDs {
			s.remove(entityName, id)
		}
	default:
		Logger.Debugf("ignoring %s message of %s", e.Type, entityName)
	}
}

func (s *EntityState) update(entityName, id string, version int64, doc entity.Document) {
	if v := doc.Version(); v > version {
		version = v
	}
	s.mu.Lock()
	it, ok := s.stores[entityName][id]
	// unversioned updates always win
	if !ok || doc == nil || (version != 0 && it.doc != nil && version <= it.doc.Version()) {
		s.mu.Unlock()
		return
	}
	it.doc = doc
	obs := it.snapshot()
	s.mu.Unlock()

	notify(obs, Change{Type: entity.EventUpdate, Doc: doc})
}

func (s *EntityState) patch(entityName, id string, version int64, patch map[string]any) {
	s.mu.Lock()
	it, ok := s.stores[entityName][id]
	if !ok || it.doc == nil || version <= it.doc.Version() {
		s.mu.Unlock()
		return
	}
	entity.ApplyPatch(it.doc, patch)
	it.doc.SetVersion(version)
	doc := it.doc
	obs := it.snapshot()
	s.mu.Unlock()

	notify(obs, Change{Type: entity.EventPatch, Doc: doc, Patch: patch})
}

func (s *EntityState) remove(entityName, id string) {
	s.mu.Lock()
	store := s.stores[entityName]
	it, ok := store[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(store, id)
	obs := it.snapshot()
	s.mu.Unlock()

	notify(obs, Change{Type: entity.EventRemove, Doc: it.doc})
}

// --------------------------------------------------------------------------
// Collections
// --------------------------------------------------------------------------

// HandleCollection applies a collection event received from the server to
// col. Members are replaced by the cached instances and linked to them, so
// entity changes show up as deep changes of the collection.
func (s *EntityState) HandleCollection(col *collection.Collection, e collection.Event) {
	name := col.EntityName()
	switch e.Type {
	case collection.EventSet:
		s.mu.Lock()
		items := make([]entity.Document, 0, len(e.Items))
		keep := make(map[string]bool, len(e.Items))
		for _, raw := range e.Items {
			if raw.ID() == "" {
				continue
			}
			cached := s.storeLocked(name, raw)
			keep[cached.ID()] = true
			items = append(items, cached)
			s.linkLocked(col, cached.ID())
		}
		var unlink []func()
		for id, fn := range s.links[col] {
			if !keep[id] {
				delete(s.links[col], id)
				unlink = append(unlink, fn)
			}
		}
		s.mu.Unlock()

		for _, fn := range unlink {
			fn()
		}
		col.Set(items)

	case collection.EventAdd:
		if e.Item == nil || e.Item.ID() == "" {
			return
		}
		s.mu.Lock()
		cached := s.storeLocked(name, e.Item)
		s.linkLocked(col, cached.ID())
		s.mu.Unlock()
		col.Add(cached)

	case collection.EventRemove:
		col.Remove(e.ID)
		s.unlink(col, e.ID)

	case collection.EventRemoveMany:
		col.RemoveMany(e.IDs)
		for _, id := range e.IDs {
			s.unlink(col, id)
		}

	case collection.EventSort:
		col.Sort(e.IDs)

	default:
		Logger.Debugf("ignoring %s collection event of %s", e.Type, name)
	}
}

// HandlePagination applies pagination metadata pushed by the server. The
// members are not touched.
func (s *EntityState) HandlePagination(col *collection.Collection, state collection.PaginationState) {
	col.Pagination().Update(state)
	col.Pagination().Emit(collection.PaginationServerChange)
}

// UnsubscribeCollection detaches every observer the collection holds
func (s *EntityState) UnsubscribeCollection(col *collection.Collection) {
	s.mu.Lock()
	links := s.links[col]
	delete(s.links, col)
	s.mu.Unlock()

	for _, fn := range links {
		fn()
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// storeLocked caches doc unless a cached instance with at least the same
// version exists, and returns the cached instance
func (s *EntityState) storeLocked(entityName string, doc entity.Document) entity.Document {
	store, ok := s.stores[entityName]
	if !ok {
		store = make(map[string]*storeItem)
		s.stores[entityName] = store
	}
	it, ok := store[doc.ID()]
	if !ok {
		it = &storeItem{observers: make(map[uint64]func(Change))}
		store[doc.ID()] = it
	}
	if it.doc == nil || doc.Version() > it.doc.Version() {
		it.doc = doc.Clone()
	}
	return it.doc
}

func (s *EntityState) observeLocked(entityName, id string, fn func(Change)) func() {
	store, ok := s.stores[entityName]
	if !ok {
		store = make(map[string]*storeItem)
		s.stores[entityName] = store
	}
	it, ok := store[id]
	if !ok {
		it = &storeItem{observers: make(map[uint64]func(Change))}
		store[id] = it
	}
	s.nextID++
	obsID := s.nextID
	it.observers[obsID] = fn
	it.order = append(it.order, obsID)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			// the entry may have been removed and recreated meanwhile
			if cur, ok := s.stores[entityName][id]; !ok || cur != it {
				return
			}
			delete(it.observers, obsID)
			for i, oid := range it.order {
				if oid == obsID {
					it.order = append(it.order[:i], it.order[i+1:]...)
					break
				}
			}
			if len(it.observers) == 0 {
				delete(s.stores[entityName], id)
			}
		})
	}
}

// linkLocked attaches an observer of the entity to col, once per id
func (s *EntityState) linkLocked(col *collection.Collection, id string) {
	links, ok := s.links[col]
	if !ok {
		links = make(map[string]func())
		s.links[col] = links
	}
	if _, linked := links[id]; linked {
		return
	}
	links[id] = s.observeLocked(col.EntityName(), id, func(c Change) {
		switch c.Type {
		case entity.EventUpdate:
			col.Update(c.Doc)
		case entity.EventPatch:
			col.Changed(id)
		}
	})
}

func (s *EntityState) unlink(col *collection.Collection, id string) {
	s.mu.Lock()
	fn, ok := s.links[col][id]
	if ok {
		delete(s.links[col], id)
	}
	s.mu.Unlock()
	if ok {
		fn()
	}
}

func (it *storeItem) snapshot() []func(Change) {
	out := make([]func(Change), 0, len(it.order))
	for _, id := range it.order {
		if fn, ok := it.observers[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func notify(obs []func(Change), c Change) {
	for _, fn := range obs {
		fn(c)
	}
}
