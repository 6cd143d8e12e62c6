package entity

import (
	"fmt"
	"sort"
	"sync"
)

// Kind is the type of a schema field
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "boolean"
	KindObject Kind = "object"
	KindArray  Kind = "array"
	KindAny    Kind = "any"
)

// Field describes one top level field of an entity
type Field struct {
	Kind     Kind
	Required bool
}

// Schema describes the fields of a named entity type. The id and version
// fields are implicit.
type Schema struct {
	Name   string
	Fields map[string]Field
}

// FieldError is a single failed check of Schema.Validate
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Path, e.Message, e.Code)
}

// Validate checks doc against the schema. With partial set, missing required
// fields are accepted and only present fields are type checked.
func (s *Schema) Validate(doc Document, partial bool) []FieldError {
	var errs []FieldError
	if !partial {
		if _, ok := doc[KeyID].(string); !ok {
			errs = append(errs, FieldError{Path: KeyID, Message: "required string", Code: "required"})
		}
	}

	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := s.Fields[name]
		v, ok := doc[name]
		if !ok || v == nil {
			if f.Required && !partial {
				errs = append(errs, FieldError{Path: name, Message: "required", Code: "required"})
			}
			continue
		}
		if !KindOf(v).Matches(f.Kind) {
			errs = append(errs, FieldError{
				Path:    name,
				Message: fmt.Sprintf("expected %s, got %s", f.Kind, KindOf(v)),
				Code:    "invalid_type",
			})
		}
	}
	return errs
}

// KindOf returns the Kind of a plain value
func KindOf(v any) Kind {
	switch v.(type) {
	case string:
		return KindString
	case bool:
		return KindBool
	case int, int32, int64, uint64, float32, float64:
		return KindNumber
	case map[string]any, Document:
		return KindObject
	case []any, []string:
		return KindArray
	default:
		return KindAny
	}
}

// Matches reports whether a value of kind k may be used where want is declared
func (k Kind) Matches(want Kind) bool {
	return want == KindAny || k == want
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Registry maps entity names to their schema
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates an empty schema registry
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register adds or replaces a schema
func (r *Registry) Register(s *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Name] = s
}

// Lookup returns the schema of an entity name
func (r *Registry) Lookup(name string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// Names returns every registered entity name in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
