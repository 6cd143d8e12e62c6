package subject

import (
	"sync"

	"github.com/ValentinKolb/dSync/lib/entity"
)

// EntitySubject is a live view of one entity instance. The value is the
// current document; patches and the deletion are signalled separately.
// An EntitySubject without a document is the result of a lookup that found
// nothing.
type EntitySubject struct {
	*Stream[entity.Document]

	entityName string
	id         string

	mu        sync.Mutex
	deleted   bool
	patchObs  map[uint64]func(patch map[string]any)
	deleteObs map[uint64]func()
	nextObsID uint64
}

// NewEntitySubject creates the subject of doc. teardown runs on Close.
func NewEntitySubject(entityName string, doc entity.Document, teardown func()) *EntitySubject {
	return &EntitySubject{
		Stream:     NewStream(doc, teardown),
		entityName: entityName,
		id:         doc.ID(),
		patchObs:   make(map[uint64]func(map[string]any)),
		deleteObs:  make(map[uint64]func()),
	}
}

// EntityName returns the entity type
func (s *EntitySubject) EntityName() string {
	return s.entityName
}

// ID returns the id of the entity, "" for an empty subject
func (s *EntitySubject) ID() string {
	return s.id
}

// Empty reports whether the subject holds no document
func (s *EntitySubject) Empty() bool {
	return s.Value() == nil
}

// Deleted reports whether the entity was removed
func (s *EntitySubject) Deleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

// EmitPatch signals a patch that was already applied to the value
func (s *EntitySubject) EmitPatch(patch map[string]any) {
	s.mu.Lock()
	obs := make([]func(map[string]any), 0, len(s.patchObs))
	for _, fn := range s.patchObs {
		obs = append(obs, fn)
	}
	s.mu.Unlock()

	for _, fn := range obs {
		fn(patch)
	}
	s.Next(s.Value())
}

// MarkDeleted flags the entity as removed, notifies the deletion observers
// and emits the last known value once more
func (s *EntitySubject) MarkDeleted() {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return
	}
	s.deleted = true
	obs := make([]func(), 0, len(s.deleteObs))
	for _, fn := range s.deleteObs {
		obs = append(obs, fn)
	}
	s.deleteObs = make(map[uint64]func())
	s.mu.Unlock()

	for _, fn := range obs {
		fn()
	}
	s.Next(s.Value())
}

// OnPatch registers fn for every patch
func (s *EntitySubject) OnPatch(fn func(patch map[string]any)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextObsID++
	id := s.nextObsID
	s.patchObs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.patchObs, id)
	}
}

// OnDeletion registers fn for the deletion. If the entity is already deleted
// fn runs immediately.
func (s *EntitySubject) OnDeletion(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		fn()
		return func() {}
	}
	s.nextObsID++
	id := s.nextObsID
	s.deleteObs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.deleteObs, id)
	}
}
