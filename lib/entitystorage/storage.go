package entitystorage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dSync/lib/database"
	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/query"
	"github.com/ValentinKolb/dSync/lib/subject"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("entitystorage")

// ErrNotFound is returned by FindOne when no entity matches
var ErrNotFound = errors.New("item not found")

// IExchange is the part of the exchange client the storage needs
type IExchange interface {
	SubscribeEntity(ctx context.Context, entityName string, cb func(*entity.Event)) (*client.Subscription, error)
	SubscribeEntityFields(ctx context.Context, entityName string, fields []string) (*client.FieldSubscription, error)
}

// SyncFunc receives the entity events that must be forwarded to the client
// of the connection: update, patch, remove and removeMany of leased entities.
type SyncFunc func(entityName string, event *entity.Event)

// sentState is the lease of one entity instance
type sentState struct {
	lastSentVersion int64
	listeners       int
}

// typeState is the broker subscription of one entity type
type typeState struct {
	sub       *client.Subscription
	holds     int
	listeners map[uint64]func(*entity.Event)
	order     []uint64
}

// EntityStorage tracks which entity instances the client of one connection
// holds and forwards their changes. Instances are leased with a listener
// count; a change is only forwarded while the count is above zero and the
// version is newer than the last one sent.
type EntityStorage struct {
	exchange IExchange
	db       database.IDatabase
	sync     SyncFunc

	subMu sync.Mutex // serializes broker subscribe round trips

	mu        sync.Mutex
	sent      map[string]map[string]*sentState
	types     map[string]*typeState
	nextLisID uint64
	destroyed bool
}

// New creates the storage of one connection
func New(exchange IExchange, db database.IDatabase, sync SyncFunc) *EntityStorage {
	return &EntityStorage{
		exchange: exchange,
		db:       db,
		sync:     sync,
		sent:     make(map[string]map[string]*sentState),
		types:    make(map[string]*typeState),
	}
}

// --------------------------------------------------------------------------
// Single entities
// --------------------------------------------------------------------------

// FindOne returns a subject of the first entity matching filter and leases
// it. Closing the subject releases the lease. ErrNotFound if nothing matches.
func (s *EntityStorage) FindOne(ctx context.Context, entityName string, filter query.Filter) (*subject.EntitySubject, error) {
	doc, lease, err := s.findOne(ctx, entityName, filter)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%s: %w", entityName, ErrNotFound)
	}
	return s.leasedSubject(entityName, doc, lease), nil
}

// FindOneOrUndefined is FindOne returning an empty subject without lease
// when nothing matches
func (s *EntityStorage) FindOneOrUndefined(ctx context.Context, entityName string, filter query.Filter) (*subject.EntitySubject, error) {
	doc, lease, err := s.findOne(ctx, entityName, filter)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return subject.NewEntitySubject(entityName, nil, nil), nil
	}
	return s.leasedSubject(entityName, doc, lease), nil
}

// Leases returns the listener count of an entity instance, 0 if not leased
func (s *EntityStorage) Leases(entityName, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sent[entityName][id]; ok {
		return st.listeners
	}
	return 0
}

// Subscribed reports whether the storage holds a broker subscription for the
// entity type
func (s *EntityStorage) Subscribed(entityName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.types[entityName]
	return ok
}

// Destroy releases every broker subscription. Events arriving afterwards are
// dropped.
func (s *EntityStorage) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	subs := make([]*client.Subscription, 0, len(s.types))
	for _, ts := range s.types {
		if ts.sub != nil {
			subs = append(subs, ts.sub)
		}
	}
	s.types = make(map[string]*typeState)
	s.sent = make(map[string]map[string]*sentState)
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			Logger.Debugf("failed to unsubscribe %s: %v", sub.Channel(), err)
		}
	}
}

// --------------------------------------------------------------------------
// Leases
// --------------------------------------------------------------------------

// acquire increases the listener count and records version as sent. The
// returned lease must be handed to release; nil if the storage is destroyed.
func (s *EntityStorage) acquire(entityName, id string, version int64) *sentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	store, ok := s.sent[entityName]
	if !ok {
		store = make(map[string]*sentState)
		s.sent[entityName] = store
	}
	st, ok := store[id]
	if !ok {
		st = &sentState{}
		store[id] = st
	}
	st.listeners++
	if version > st.lastSentVersion {
		st.lastSentVersion = version
	}
	return st
}

// release decreases the listener count of lease. A lease that was purged by
// a remove event is a no-op, even if the instance was leased again since.
func (s *EntityStorage) release(entityName, id string, lease *sentState) {
	if lease == nil {
		return
	}
	s.mu.Lock()
	store := s.sent[entityName]
	if st, ok := store[id]; !ok || st != lease {
		s.mu.Unlock()
		return
	}
	lease.listeners--
	if lease.listeners <= 0 {
		delete(store, id)
	}
	sub := s.maybeReleaseTypeLocked(entityName)
	s.mu.Unlock()

	unsubscribe(sub)
}

// leasedSubject wraps a document that is already leased
func (s *EntityStorage) leasedSubject(entityName string, doc entity.Document, lease *sentState) *subject.EntitySubject {
	id := doc.ID()
	return subject.NewEntitySubject(entityName, doc, func() {
		s.release(entityName, id, lease)
	})
}

// findOne reads and leases the document while holding the type
// subscription, so no change between read and lease is missed
func (s *EntityStorage) findOne(ctx context.Context, entityName string, filter query.Filter) (entity.Document, *sentState, error) {
	unhold, err := s.hold(ctx, entityName)
	if err != nil {
		return nil, nil, err
	}
	defer unhold()

	doc, err := s.db.Get(ctx, entityName, filter)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	// the lease is handed over to the subject built by the caller
	return doc, s.acquire(entityName, doc.ID(), doc.Version()), nil
}

// --------------------------------------------------------------------------
// Type subscriptions
// --------------------------------------------------------------------------

// hold keeps the broker subscription of the type alive until the returned
// function is called
func (s *EntityStorage) hold(ctx context.Context, entityName string) (func(), error) {
	if err := s.ensureType(ctx, entityName, func(ts *typeState) { ts.holds++ }); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			var sub *client.Subscription
			if ts, ok := s.types[entityName]; ok {
				ts.holds--
				sub = s.maybeReleaseTypeLocked(entityName)
			}
			s.mu.Unlock()
			unsubscribe(sub)
		})
	}, nil
}

// listen registers fn for every event of the type, after the lease handling
func (s *EntityStorage) listen(ctx context.Context, entityName string, fn func(*entity.Event)) (func(), error) {
	var id uint64
	err := s.ensureType(ctx, entityName, func(ts *typeState) {
		s.nextLisID++
		id = s.nextLisID
		ts.listeners[id] = fn
		ts.order = append(ts.order, id)
	})
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			var sub *client.Subscription
			if ts, ok := s.types[entityName]; ok {
				delete(ts.listeners, id)
				for i, lid := range ts.order {
					if lid == id {
						ts.order = append(ts.order[:i], ts.order[i+1:]...)
						break
					}
				}
				sub = s.maybeReleaseTypeLocked(entityName)
			}
			s.mu.Unlock()
			unsubscribe(sub)
		})
	}, nil
}

// ensureType makes sure the type is subscribed and applies register to its
// state under the storage mutex
func (s *EntityStorage) ensureType(ctx context.Context, entityName string, register func(*typeState)) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return fmt.Errorf("entity storage destroyed")
	}
	if ts, ok := s.types[entityName]; ok {
		register(ts)
		s.mu.Unlock()
		return nil
	}
	ts := &typeState{listeners: make(map[uint64]func(*entity.Event))}
	register(ts)
	s.types[entityName] = ts
	s.mu.Unlock()

	sub, err := s.exchange.SubscribeEntity(ctx, entityName, func(e *entity.Event) {
		s.onEvent(entityName, ts, e)
	})

	s.mu.Lock()
	if err != nil {
		if s.types[entityName] == ts {
			delete(s.types, entityName)
		}
		s.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", entityName, err)
	}
	current := s.types[entityName] == ts
	if current {
		ts.sub = sub
	}
	s.mu.Unlock()

	if !current {
		// destroyed while subscribing
		unsubscribe(sub)
		return fmt.Errorf("entity storage destroyed")
	}
	Logger.Debugf("subscribed entity type %s", entityName)
	return nil
}

// maybeReleaseTypeLocked drops the type subscription once nothing leases or
// listens on the type. The returned subscription must be unsubscribed after
// the mutex is released.
func (s *EntityStorage) maybeReleaseTypeLocked(entityName string) *client.Subscription {
	ts, ok := s.types[entityName]
	if !ok || ts.holds > 0 || len(ts.listeners) > 0 || len(s.sent[entityName]) > 0 {
		return nil
	}
	delete(s.types, entityName)
	delete(s.sent, entityName)
	if ts.sub == nil {
		// a subscribe round trip is in flight, ensureType will notice
		return nil
	}
	return ts.sub
}

func unsubscribe(sub *client.Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		Logger.Debugf("failed to unsubscribe %s: %v", sub.Channel(), err)
	}
}

// --------------------------------------------------------------------------
// Event handling
// --------------------------------------------------------------------------

// onEvent runs on the dispatch goroutine of the exchange client
func (s *EntityStorage) onEvent(entityName string, ts *typeState, e *entity.Event) {
	s.mu.Lock()
	if s.destroyed || s.types[entityName] != ts {
		s.mu.Unlock()
		return
	}

	var forward *entity.Event
	store := s.sent[entityName]
	switch e.Type {
	case entity.EventRemoveMany:
		leased := make([]string, 0, len(e.IDs))
		for _, id := range e.IDs {
			if _, ok := store[id]; ok {
				delete(store, id)
				leased = append(leased, id)
			}
		}
		if len(leased) > 0 {
			forward = &entity.Event{Type: entity.EventRemoveMany, IDs: leased}
		}
	case entity.EventUpdate, entity.EventPatch:
		st, ok := store[e.ID]
		if ok && st.listeners > 0 && (e.Version == 0 || e.Version > st.lastSentVersion) {
			st.lastSentVersion = e.Version
			forward = e
		}
	case entity.EventRemove:
		// forwarded once, the purged lease stops redeliveries
		if st, ok := store[e.ID]; ok && st.listeners > 0 {
			delete(store, e.ID)
			forward = e
		}
	}

	listeners := make([]func(*entity.Event), 0, len(ts.order))
	for _, id := range ts.order {
		if fn, ok := ts.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()

	if forward != nil && s.sync != nil {
		s.sync(entityName, forward)
	}
	for _, fn := range listeners {
		fn(e)
	}

	if forward != nil && (forward.Type == entity.EventRemove || forward.Type == entity.EventRemoveMany) {
		s.mu.Lock()
		sub := s.maybeReleaseTypeLocked(entityName)
		s.mu.Unlock()
		unsubscribe(sub)
	}
}
