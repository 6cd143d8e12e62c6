package proto

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/collection"
	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/query"
)

// Request names sent by the client
const (
	NameAction                = "action"
	NameActionTypes           = "actionTypes"
	NameAuthenticate          = "authenticate"
	NameObservableSubscribe   = "observable/subscribe"
	NameObservableUnsubscribe = "observable/unsubscribe"
	NameSubjectUnsubscribe    = "subject/unsubscribe"
	NameEntityUnsubscribe     = "entity/unsubscribe"
	NameCollectionUnsubscribe = "collection/unsubscribe"
	NameCollectionPagination  = "collection/pagination"
)

// Message types sent by the server
const (
	TypeType               = "type"
	TypeNextJSON           = "next/json"
	TypeNextObservable     = "next/observable"
	TypeNextSubject        = "next/subject"
	TypeNextCollection     = "next/collection"
	TypeAppendSubject      = "append/subject"
	TypeComplete           = "complete"
	TypeAck                = "ack"
	TypeError              = "error"
	TypeAuthenticateResult = "authenticate/result"
	TypeActionTypesResult  = "actionTypes/result"

	TypeEntityUpdate     = "entity/update"
	TypeEntityPatch      = "entity/patch"
	TypeEntityRemove     = "entity/remove"
	TypeEntityRemoveMany = "entity/removeMany"
)

// Return types announced by a type message
const (
	ReturnEntity     = "entity"
	ReturnObservable = "observable"
	ReturnCollection = "collection"
	ReturnJSON       = "json"
)

// Request is a message from the client. Which fields are set depends on Name.
type Request struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`

	// action, actionTypes
	Controller string            `json:"controller,omitempty"`
	Action     string            `json:"action,omitempty"`
	Args       []json.RawMessage `json:"args,omitempty"`

	// authenticate
	Token string `json:"token,omitempty"`

	// references to a previous action
	ForID       uint64 `json:"forId,omitempty"`
	SubscribeID uint64 `json:"subscribeId,omitempty"`

	// collection/pagination
	Sort         query.Sort     `json:"sort,omitempty"`
	Page         int            `json:"page,omitempty"`
	ItemsPerPage int            `json:"itemsPerPage,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// Reply is a message from the server that refers to a request id
type Reply struct {
	ID   uint64 `json:"id"`
	Type string `json:"type"`

	// type
	ReturnType string                      `json:"returnType,omitempty"`
	EntityName string                      `json:"entityName,omitempty"`
	Item       entity.Document             `json:"item,omitempty"`
	Pagination *collection.PaginationState `json:"pagination,omitempty"`

	// next/*, append/subject, authenticate/result, actionTypes/result
	Next        json.RawMessage `json:"next,omitempty"`
	Append      json.RawMessage `json:"append,omitempty"`
	SubscribeID uint64          `json:"subscribeId,omitempty"`

	// error
	Kind  string          `json:"kind,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
	Stack string          `json:"stack,omitempty"`
	Code  string          `json:"code,omitempty"`
}

// EntityMessage forwards an entity change to the client
type EntityMessage struct {
	Type       string          `json:"type"`
	EntityName string          `json:"entityName"`
	ID         string          `json:"id,omitempty"`
	IDs        []string        `json:"ids,omitempty"`
	Version    int64           `json:"version,omitempty"`
	Data       entity.Document `json:"data,omitempty"`
	Patch      map[string]any  `json:"patch,omitempty"`
}

// CollectionNext is the payload of a next/collection message
type CollectionNext struct {
	Type  string            `json:"type"`
	Total int               `json:"total,omitempty"`
	Items []entity.Document `json:"items,omitempty"`
	Item  entity.Document   `json:"item,omitempty"`
	ID    string            `json:"id,omitempty"`
	IDs   []string          `json:"ids,omitempty"`
	Event *PaginationEvent  `json:"event,omitempty"`
}

// CollectionPaginationType is the CollectionNext type of pagination changes
const CollectionPaginationType = "pagination"

// PaginationEvent is a pagination change pushed by the server
type PaginationEvent struct {
	Type string `json:"type"`
	collection.PaginationState
}

// --------------------------------------------------------------------------
// Conversion
// --------------------------------------------------------------------------

// NewEntityMessage converts an entity event into its sync message. Add
// events are never forwarded and yield nil.
func NewEntityMessage(entityName string, e *entity.Event) *EntityMessage {
	m := &EntityMessage{EntityName: entityName, ID: e.ID, Version: e.Version}
	switch e.Type {
	case entity.EventUpdate:
		m.Type = TypeEntityUpdate
		m.Data = e.Item
	case entity.EventPatch:
		m.Type = TypeEntityPatch
		m.Patch = e.Patch
	case entity.EventRemove:
		m.Type = TypeEntityRemove
	case entity.EventRemoveMany:
		m.Type = TypeEntityRemoveMany
		m.ID = ""
		m.IDs = e.IDs
	default:
		return nil
	}
	return m
}

// Event converts the message back into an entity event
func (m *EntityMessage) Event() (*entity.Event, error) {
	e := &entity.Event{ID: m.ID, IDs: m.IDs, Version: m.Version, Item: m.Data, Patch: m.Patch}
	switch m.Type {
	case TypeEntityUpdate:
		e.Type = entity.EventUpdate
	case TypeEntityPatch:
		e.Type = entity.EventPatch
	case TypeEntityRemove:
		e.Type = entity.EventRemove
	case TypeEntityRemoveMany:
		e.Type = entity.EventRemoveMany
	default:
		return nil, fmt.Errorf("no entity message: %s", m.Type)
	}
	return e, nil
}

// NewCollectionNext converts a collection event into its wire payload.
// Deep changes are not sent, they travel as entity messages.
func NewCollectionNext(e collection.Event, total int) *CollectionNext {
	switch e.Type {
	case collection.EventSet:
		items := e.Items
		if items == nil {
			items = []entity.Document{}
		}
		return &CollectionNext{Type: string(e.Type), Total: total, Items: items}
	case collection.EventAdd:
		return &CollectionNext{Type: string(e.Type), Item: e.Item}
	case collection.EventRemove:
		return &CollectionNext{Type: string(e.Type), ID: e.ID}
	case collection.EventRemoveMany, collection.EventSort:
		return &CollectionNext{Type: string(e.Type), IDs: e.IDs}
	}
	return nil
}

// CollectionEvent converts the wire payload back into a collection event
func (n *CollectionNext) CollectionEvent() (collection.Event, bool) {
	switch collection.EventType(n.Type) {
	case collection.EventSet:
		return collection.Event{Type: collection.EventSet, Items: n.Items}, true
	case collection.EventAdd:
		return collection.Event{Type: collection.EventAdd, Item: n.Item}, true
	case collection.EventRemove:
		return collection.Event{Type: collection.EventRemove, ID: n.ID}, true
	case collection.EventRemoveMany:
		return collection.Event{Type: collection.EventRemoveMany, IDs: n.IDs}, true
	case collection.EventSort:
		return collection.Event{Type: collection.EventSort, IDs: n.IDs}, true
	}
	return collection.Event{}, false
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// MustRaw marshals v and panics on failure. Only for values that always
// marshal (documents, numbers, strings).
func MustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return data
}

// PeekType returns the type (server messages) and name (client messages) of
// a raw message
func PeekType(data []byte) (msgType, name string, err error) {
	var head struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", "", fmt.Errorf("decode message head: %w", err)
	}
	return head.Type, head.Name, nil
}

// IsEntityMessage reports whether a server message type is an entity sync message
func IsEntityMessage(msgType string) bool {
	switch msgType {
	case TypeEntityUpdate, TypeEntityPatch, TypeEntityRemove, TypeEntityRemoveMany:
		return true
	}
	return false
}
