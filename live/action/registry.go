package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/entitystorage"
	"github.com/ValentinKolb/dSync/live/proto"
)

// Call is one invocation of an action
type Call struct {
	Descriptor Descriptor
	Args       []any
	// User is the authenticated subject of the connection, "" if anonymous
	User string
	// Storage is the entity storage of the calling connection
	Storage *entitystorage.EntityStorage
}

// Handler runs an action. The arguments are validated before it is called.
type Handler func(ctx context.Context, call *Call) (Result, error)

type registered struct {
	desc    Descriptor
	handler Handler
}

// Registry holds the actions a server offers
type Registry struct {
	schemas *entity.Registry

	mu      sync.RWMutex
	actions map[string]registered
}

// NewRegistry creates an empty registry. Entity parameters are validated
// against schemas; nil creates an empty schema registry.
func NewRegistry(schemas *entity.Registry) *Registry {
	if schemas == nil {
		schemas = entity.NewRegistry()
	}
	return &Registry{schemas: schemas, actions: make(map[string]registered)}
}

// Schemas returns the entity schemas used for validation
func (r *Registry) Schemas() *entity.Registry {
	return r.schemas
}

// Register adds an action
func (r *Registry) Register(d Descriptor, h Handler) error {
	if h == nil {
		return fmt.Errorf("%s: no handler", d.Name())
	}
	if err := d.validate(r.schemas); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[d.Name()]; ok {
		return fmt.Errorf("action %s already registered", d.Name())
	}
	r.actions[d.Name()] = registered{desc: d, handler: h}
	return nil
}

// MustRegister is Register panicking on error
func (r *Registry) MustRegister(d Descriptor, h Handler) {
	if err := r.Register(d, h); err != nil {
		panic(err)
	}
}

// Lookup returns the descriptor and handler of controller.action
func (r *Registry) Lookup(controller, action string) (Descriptor, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[controller+"."+action]
	return a.desc, a.handler, ok
}

// Descriptors returns all registered descriptors sorted by name
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a.desc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// DecodeArgs decodes and validates the raw arguments of a call
func (r *Registry) DecodeArgs(d Descriptor, raw []json.RawMessage) ([]any, error) {
	args := make([]any, len(raw))
	for i, m := range raw {
		if len(m) == 0 {
			continue
		}
		if err := json.Unmarshal(m, &args[i]); err != nil {
			return nil, &proto.ValidationParameterError{
				Controller: d.Controller,
				Action:     d.Action,
				Index:      i,
				Errors:     []proto.ValidationErrorItem{{Path: fmt.Sprintf("#%d", i), Message: err.Error(), Code: "invalid_json"}},
			}
		}
		if obj, ok := args[i].(map[string]any); ok && i < len(d.Params) && d.Params[i].Kind == ParamEntity {
			args[i] = entity.Document(obj)
		}
	}
	if err := ValidateArgs(d, args, r.schemas); err != nil {
		return nil, err
	}
	return args, nil
}

// CheckResult verifies that res matches the declared result kind
func CheckResult(d Descriptor, res Result) error {
	if res == nil {
		return fmt.Errorf("%s returned no result", d.Name())
	}
	if res.Kind() != d.Result {
		return fmt.Errorf("%s returned a %s result, declared %s", d.Name(), res.Kind(), d.Result)
	}
	switch r := res.(type) {
	case Stream:
		if r.Source == nil {
			return fmt.Errorf("%s returned a stream without source", d.Name())
		}
	case Collection:
		if r.Collection == nil {
			return fmt.Errorf("%s returned no collection", d.Name())
		}
	}
	return nil
}
