package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ValentinKolb/dSync/lib/database"
	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/query"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("store")

// table holds the documents of one entity type
type table struct {
	// writeMu keeps writes and their published events in the same order
	writeMu sync.Mutex
	mu      sync.RWMutex
	docs    map[string]entity.Document
}

// memDB is an in-memory document database
type memDB struct {
	tables    *xsync.MapOf[string, *table]
	publisher database.IEventPublisher
}

// New creates an in-memory database. Writes are published via publisher,
// which may be nil for a database without live queries.
func New(publisher database.IEventPublisher) database.IDatabase {
	return &memDB{
		tables:    xsync.NewMapOf[string, *table](),
		publisher: publisher,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see database.IDatabase)
// --------------------------------------------------------------------------

func (m *memDB) Get(_ context.Context, entityName string, filter query.Filter) (entity.Document, error) {
	docs, err := m.find(entityName, database.FindOptions{Filter: filter, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, database.ErrNotFound
	}
	return docs[0], nil
}

func (m *memDB) Find(_ context.Context, entityName string, opts database.FindOptions) ([]entity.Document, error) {
	return m.find(entityName, opts)
}

func (m *memDB) Count(_ context.Context, entityName string, filter query.Filter, params map[string]any) (int, error) {
	p, err := query.Compile(filter, params)
	if err != nil {
		return 0, err
	}
	t := m.table(entityName)
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, d := range t.docs {
		if p.Match(d) {
			n++
		}
	}
	return n, nil
}

func (m *memDB) Add(ctx context.Context, entityName string, doc entity.Document) (entity.Document, error) {
	stored := doc.Clone()
	if stored == nil {
		stored = entity.Document{}
	}
	if stored.ID() == "" {
		stored[entity.KeyID] = ulid.Make().String()
	}
	stored.SetVersion(1)

	t := m.table(entityName)
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	if _, exists := t.docs[stored.ID()]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("add %s %s: %w", entityName, stored.ID(), database.ErrConflict)
	}
	t.docs[stored.ID()] = stored
	out := stored.Clone()
	t.mu.Unlock()

	m.publish(ctx, entityName, &entity.Event{Type: entity.EventAdd, ID: out.ID(), Version: 1, Item: out.Clone()})
	return out, nil
}

func (m *memDB) Update(ctx context.Context, entityName string, doc entity.Document) (entity.Document, error) {
	id := doc.ID()
	t := m.table(entityName)
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	cur, ok := t.docs[id]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("update %s %s: %w", entityName, id, database.ErrNotFound)
	}
	stored := doc.Clone()
	stored.SetVersion(cur.Version() + 1)
	t.docs[id] = stored
	out := stored.Clone()
	t.mu.Unlock()

	m.publish(ctx, entityName, &entity.Event{Type: entity.EventUpdate, ID: id, Version: out.Version(), Item: out.Clone()})
	return out, nil
}

func (m *memDB) Patch(ctx context.Context, entityName, id string, changes map[string]any) (entity.Document, error) {
	patch := make(map[string]any, len(changes))
	for k, v := range changes {
		if k != entity.KeyID && k != entity.KeyVersion {
			patch[k] = v
		}
	}

	t := m.table(entityName)
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	cur, ok := t.docs[id]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("patch %s %s: %w", entityName, id, database.ErrNotFound)
	}
	entity.ApplyPatch(cur, patch)
	cur.SetVersion(cur.Version() + 1)
	out := cur.Clone()
	t.mu.Unlock()

	var fields []string
	if m.publisher != nil {
		var err error
		fields, err = m.publisher.GetSubscribedEntityFields(ctx, entityName)
		if err != nil {
			Logger.Warningf("failed to load subscribed fields of %s: %v", entityName, err)
		}
	}
	m.publish(ctx, entityName, entity.NewPatchEvent(out, patch, fields))
	return out, nil
}

func (m *memDB) Remove(ctx context.Context, entityName, id string) error {
	t := m.table(entityName)
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	cur, ok := t.docs[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("remove %s %s: %w", entityName, id, database.ErrNotFound)
	}
	delete(t.docs, id)
	t.mu.Unlock()

	m.publish(ctx, entityName, &entity.Event{Type: entity.EventRemove, ID: id, Version: cur.Version()})
	return nil
}

func (m *memDB) RemoveMany(ctx context.Context, entityName string, filter query.Filter) ([]string, error) {
	p, err := query.Compile(filter, nil)
	if err != nil {
		return nil, err
	}
	t := m.table(entityName)
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	var ids []string
	for id, d := range t.docs {
		if p.Match(d) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(t.docs, id)
	}
	t.mu.Unlock()

	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	m.publish(ctx, entityName, &entity.Event{Type: entity.EventRemoveMany, IDs: ids})
	return ids, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (m *memDB) table(entityName string) *table {
	t, _ := m.tables.LoadOrCompute(entityName, func() *table {
		return &table{docs: make(map[string]entity.Document)}
	})
	return t
}

func (m *memDB) find(entityName string, opts database.FindOptions) ([]entity.Document, error) {
	p, err := query.Compile(opts.Filter, opts.Params)
	if err != nil {
		return nil, err
	}

	t := m.table(entityName)
	t.mu.RLock()
	out := make([]entity.Document, 0)
	for _, d := range t.docs {
		if p.Match(d) {
			out = append(out, d.Clone())
		}
	}
	t.mu.RUnlock()

	opts.Sort.Apply(out)
	if opts.Skip > 0 {
		if opts.Skip >= len(out) {
			return []entity.Document{}, nil
		}
		out = out[opts.Skip:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memDB) publish(ctx context.Context, entityName string, e *entity.Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishEntity(ctx, entityName, e); err != nil {
		Logger.Errorf("failed to publish %s event of %s: %v", e.Type, entityName, err)
	}
}
