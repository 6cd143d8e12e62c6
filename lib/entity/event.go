package entity

import (
	"encoding/json"
	"fmt"
)

// EventType is the kind of change an Event describes
type EventType string

const (
	EventAdd        EventType = "add"
	EventUpdate     EventType = "update"
	EventPatch      EventType = "patch"
	EventRemove     EventType = "remove"
	EventRemoveMany EventType = "removeMany"
)

// Event is a change of one (or for removeMany several) entity instances. It is
// published on the exchange channel of the entity type.
//
//   - add, update: Item is the full document
//   - patch: Patch holds the changed dot paths, Item holds the changed fields
//     plus every field registered at the broker for this entity
//   - remove: only ID and Version
//   - removeMany: only IDs
type Event struct {
	Type    EventType      `json:"type"`
	ID      string         `json:"id,omitempty"`
	IDs     []string       `json:"ids,omitempty"`
	Version int64          `json:"version,omitempty"`
	Item    Document       `json:"item,omitempty"`
	Patch   map[string]any `json:"patch,omitempty"`
}

// Encode serializes the event for the exchange
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses an event published on an entity channel
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entity event: %w", err)
	}
	switch e.Type {
	case EventAdd, EventUpdate, EventPatch, EventRemove, EventRemoveMany:
	default:
		return nil, fmt.Errorf("decode entity event: unknown type %q", e.Type)
	}
	return &e, nil
}

// ChannelName returns the exchange channel carrying the events of an entity type
func ChannelName(entityName string) string {
	return "entity/" + entityName
}
