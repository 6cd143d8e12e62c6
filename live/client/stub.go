package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/live/action"
)

// Stub calls one declared action. Arguments are validated locally before
// they are sent, and the result kind is checked against the declaration.
type Stub struct {
	c        *Client
	desc     action.Descriptor
	registry *action.Registry
}

// NewStub creates a stub for d. Entity parameters are validated against
// schemas (may be nil if d has none).
func NewStub(c *Client, d action.Descriptor, schemas *entity.Registry) *Stub {
	return &Stub{c: c, desc: d, registry: action.NewRegistry(schemas)}
}

// Stub fetches the declaration of controller.action from the server and
// returns a stub for it
func (c *Client) Stub(ctx context.Context, controller, actionName string, schemas *entity.Registry) (*Stub, error) {
	d, err := c.ActionTypes(ctx, controller, actionName)
	if err != nil {
		return nil, err
	}
	return NewStub(c, d, schemas), nil
}

// Descriptor returns the declaration the stub checks against
func (s *Stub) Descriptor() action.Descriptor {
	return s.desc
}

// Call validates args and runs the action
func (s *Stub) Call(ctx context.Context, args ...any) (*Result, error) {
	// validate the values as the server will see them
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		raw[i] = data
	}
	if _, err := s.registry.DecodeArgs(s.desc, raw); err != nil {
		return nil, err
	}

	res, err := s.c.Call(ctx, s.desc.Controller, s.desc.Action, args...)
	if err != nil {
		return nil, err
	}
	if res.Kind != s.desc.Result {
		_ = res.Close(ctx)
		return nil, fmt.Errorf("%s returned a %s result, declared %s", s.desc.Name(), res.Kind, s.desc.Result)
	}
	return res, nil
}
