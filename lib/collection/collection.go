package collection

import (
	"sync"

	"github.com/ValentinKolb/dSync/lib/entity"
)

// EventType is the kind of a collection change
type EventType string

const (
	EventSet        EventType = "set"
	EventAdd        EventType = "add"
	EventRemove     EventType = "remove"
	EventRemoveMany EventType = "removeMany"
	EventSort       EventType = "sort"
	// EventChange signals a deep change of a member, the membership is unchanged
	EventChange EventType = "change"
)

// Event is a change of a collection
type Event struct {
	Type  EventType
	Items []entity.Document // set
	Item  entity.Document   // add, change
	ID    string            // remove, change
	IDs   []string          // removeMany, sort
}

// Collection is an ordered set of entity documents matching a query. The
// server side keeps it in sync with the database; the client side mirrors
// the server through the collection events.
type Collection struct {
	entityName string
	pagination *Pagination

	emitMu sync.Mutex // serializes mutations with their notification

	mu        sync.Mutex
	items     []entity.Document
	index     map[string]int
	loaded    bool
	ready     chan struct{}
	listeners map[uint64]func(Event)
	order     []uint64
	nextID    uint64
	teardowns []func()
	closed    bool
	done      chan struct{}
}

// New creates an empty, not yet loaded collection of entityName
func New(entityName string) *Collection {
	return &Collection{
		entityName: entityName,
		pagination: newPagination(),
		index:      make(map[string]int),
		ready:      make(chan struct{}),
		listeners:  make(map[uint64]func(Event)),
		done:       make(chan struct{}),
	}
}

// EntityName returns the entity type of the members
func (c *Collection) EntityName() string {
	return c.entityName
}

// Pagination returns the pagination state
func (c *Collection) Pagination() *Pagination {
	return c.pagination
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// Set replaces all members and marks the collection loaded
func (c *Collection) Set(items []entity.Document) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.items = make([]entity.Document, 0, len(items))
	c.index = make(map[string]int, len(items))
	for _, item := range items {
		if _, dup := c.index[item.ID()]; dup {
			continue
		}
		c.index[item.ID()] = len(c.items)
		c.items = append(c.items, item)
	}
	snapshot := append([]entity.Document(nil), c.items...)
	if !c.loaded {
		c.loaded = true
		close(c.ready)
	}
	ls := c.snapshotLocked()
	c.mu.Unlock()

	notify(ls, Event{Type: EventSet, Items: snapshot})
}

// Add appends item. It returns false if an item with the same id exists.
func (c *Collection) Add(item entity.Document) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if _, ok := c.index[item.ID()]; ok {
		c.mu.Unlock()
		return false
	}
	c.index[item.ID()] = len(c.items)
	c.items = append(c.items, item)
	ls := c.snapshotLocked()
	c.mu.Unlock()

	notify(ls, Event{Type: EventAdd, Item: item})
	return true
}

// Remove drops the member with id. It returns false if it is no member.
func (c *Collection) Remove(id string) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.closed || !c.removeLocked(id) {
		c.mu.Unlock()
		return false
	}
	ls := c.snapshotLocked()
	c.mu.Unlock()

	notify(ls, Event{Type: EventRemove, ID: id})
	return true
}

// RemoveMany drops every listed member and emits one event with the ids that
// were members
func (c *Collection) RemoveMany(ids []string) []string {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		if c.removeLocked(id) {
			removed = append(removed, id)
		}
	}
	ls := c.snapshotLocked()
	c.mu.Unlock()

	if len(removed) > 0 {
		notify(ls, Event{Type: EventRemoveMany, IDs: removed})
	}
	return removed
}

// Sort reorders the members by ids. Members missing in ids keep their
// relative order behind the listed ones, unknown ids are ignored.
func (c *Collection) Sort(ids []string) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	sorted := make([]entity.Document, 0, len(c.items))
	used := make(map[string]bool, len(ids))
	for _, id := range ids {
		if i, ok := c.index[id]; ok && !used[id] {
			used[id] = true
			sorted = append(sorted, c.items[i])
		}
	}
	for _, item := range c.items {
		if !used[item.ID()] {
			sorted = append(sorted, item)
		}
	}
	c.items = sorted
	c.reindexLocked()
	order := c.idsLocked()
	ls := c.snapshotLocked()
	c.mu.Unlock()

	notify(ls, Event{Type: EventSort, IDs: order})
}

// Update replaces a member with a newer document and signals a deep change
func (c *Collection) Update(item entity.Document) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	i, ok := c.index[item.ID()]
	if c.closed || !ok {
		c.mu.Unlock()
		return false
	}
	c.items[i] = item
	ls := c.snapshotLocked()
	c.mu.Unlock()

	notify(ls, Event{Type: EventChange, ID: item.ID(), Item: item})
	return true
}

// Changed signals a deep change of a member that was modified in place
func (c *Collection) Changed(id string) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	i, ok := c.index[id]
	if c.closed || !ok {
		c.mu.Unlock()
		return
	}
	item := c.items[i]
	ls := c.snapshotLocked()
	c.mu.Unlock()

	notify(ls, Event{Type: EventChange, ID: id, Item: item})
}

// --------------------------------------------------------------------------
// Reading
// --------------------------------------------------------------------------

// All returns the members in order
func (c *Collection) All() []entity.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]entity.Document(nil), c.items...)
}

// IDs returns the member ids in order
func (c *Collection) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idsLocked()
}

// Get returns the member with id
func (c *Collection) Get(id string) (entity.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[id]
	if !ok {
		return nil, false
	}
	return c.items[i], true
}

// Has reports whether id is a member
func (c *Collection) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[id]
	return ok
}

// Count returns the number of members
func (c *Collection) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Loaded reports whether the first Set happened
func (c *Collection) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// Ready is closed by the first Set
func (c *Collection) Ready() <-chan struct{} {
	return c.ready
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Subscribe registers fn for every event. The returned function removes it.
func (c *Collection) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.order = append(c.order, id)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
		for i, lid := range c.order {
			if lid == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
}

// AddTeardown registers fn to run on Close, or runs it now if already closed
func (c *Collection) AddTeardown(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.teardowns = append(c.teardowns, fn)
	c.mu.Unlock()
}

// Close stops all notifications and runs the teardowns exactly once
func (c *Collection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	teardowns := c.teardowns
	c.teardowns = nil
	c.listeners = make(map[uint64]func(Event))
	c.order = nil
	c.mu.Unlock()

	close(c.done)
	c.pagination.close()
	for _, fn := range teardowns {
		fn()
	}
}

// IsClosed reports whether Close was called
func (c *Collection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed by Close
func (c *Collection) Done() <-chan struct{} {
	return c.done
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Collection) removeLocked(id string) bool {
	i, ok := c.index[id]
	if !ok {
		return false
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	c.reindexLocked()
	return true
}

func (c *Collection) reindexLocked() {
	c.index = make(map[string]int, len(c.items))
	for i, item := range c.items {
		c.index[item.ID()] = i
	}
}

func (c *Collection) idsLocked() []string {
	ids := make([]string, len(c.items))
	for i, item := range c.items {
		ids[i] = item.ID()
	}
	return ids
}

func (c *Collection) snapshotLocked() []func(Event) {
	out := make([]func(Event), 0, len(c.order))
	for _, id := range c.order {
		if fn, ok := c.listeners[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func notify(ls []func(Event), e Event) {
	for _, fn := range ls {
		fn(e)
	}
}
