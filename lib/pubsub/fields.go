package pubsub

import (
	"sort"
	"sync"
)

// FieldRegistry keeps, per entity name, the fields that must be part of every
// patch event so subscribers can evaluate filters without reloading the
// entity. Registrations are reference counted per owner.
type FieldRegistry struct {
	mu sync.Mutex
	// entity -> field -> owner -> count
	fields map[string]map[string]map[string]int
}

// NewFieldRegistry creates an empty registry
func NewFieldRegistry() *FieldRegistry {
	return &FieldRegistry{fields: make(map[string]map[string]map[string]int)}
}

// Add registers fields of entity for owner and returns the resulting field set
func (r *FieldRegistry) Add(owner, entity string, fields []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	byField, ok := r.fields[entity]
	if !ok {
		byField = make(map[string]map[string]int)
		r.fields[entity] = byField
	}
	for _, f := range fields {
		owners, ok := byField[f]
		if !ok {
			owners = make(map[string]int)
			byField[f] = owners
		}
		owners[owner]++
	}
	return r.listLocked(entity)
}

// Remove releases one registration of each field for owner and returns the
// resulting field set
func (r *FieldRegistry) Remove(owner, entity string, fields []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	byField := r.fields[entity]
	for _, f := range fields {
		owners, ok := byField[f]
		if !ok {
			continue
		}
		if owners[owner] <= 1 {
			delete(owners, owner)
		} else {
			owners[owner]--
		}
		if len(owners) == 0 {
			delete(byField, f)
		}
	}
	if len(byField) == 0 {
		delete(r.fields, entity)
	}
	return r.listLocked(entity)
}

// RemoveOwner drops every registration of owner
func (r *FieldRegistry) RemoveOwner(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for entity, byField := range r.fields {
		for f, owners := range byField {
			delete(owners, owner)
			if len(owners) == 0 {
				delete(byField, f)
			}
		}
		if len(byField) == 0 {
			delete(r.fields, entity)
		}
	}
}

// Get returns the sorted field set of entity
func (r *FieldRegistry) Get(entity string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(entity)
}

func (r *FieldRegistry) listLocked(entity string) []string {
	byField := r.fields[entity]
	list := make([]string, 0, len(byField))
	for f := range byField {
		list = append(list, f)
	}
	sort.Strings(list)
	return list
}
