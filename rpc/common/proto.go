package common

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message is the single envelope exchanged between an exchange client and the
// broker. Requests, replies and server pushes all use it; which fields are set
// depends on MsgType.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Arg is the key, channel, lock name or entity name the message refers to
	Arg string `json:"arg,omitempty"`
	// Payload carries values, published data and lock owner ids
	Payload []byte `json:"payload,omitempty"`
	// Timeout in milliseconds. Used as ttl for set and as wait time for lock.
	// A negative lock timeout waits forever.
	Timeout int64 `json:"timeout,omitempty"`

	// Response only fields
	Ok   bool   `json:"ok,omitempty"`   // Used for: get, unlock, isLocked, subscribe responses
	Err  string `json:"err,omitempty"`  // Empty if no error, otherwise contains the error message
	Code string `json:"code,omitempty"` // Machine readable error code, see ErrCode*
}

// Error codes transported in Message.Code
const (
	ErrCodeLockTimeout = "lock-timeout"
	ErrCodeBadRequest  = "bad-request"
	ErrCodeInternal    = "internal"
)

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewGetRequest creates a new get request
func NewGetRequest(key string) *Message {
	return &Message{MsgType: MsgTGet, Arg: key}
}

// NewGetResponse creates a new get response
func NewGetResponse(value []byte, ok bool, err error) *Message {
	msg := &Message{MsgType: MsgTGet, Payload: value, Ok: ok}
	setErr(msg, err)
	return msg
}

// NewSetRequest creates a new set request. A ttl of 0 keeps the value forever.
func NewSetRequest(key string, value []byte, ttl time.Duration) *Message {
	return &Message{MsgType: MsgTSet, Arg: key, Payload: value, Timeout: ttl.Milliseconds()}
}

// NewSetResponse creates a new set response
func NewSetResponse(err error) *Message {
	msg := &Message{MsgType: MsgTSet}
	setErr(msg, err)
	return msg
}

// NewDelRequest creates a new del request
func NewDelRequest(key string) *Message {
	return &Message{MsgType: MsgTDel, Arg: key}
}

// NewDelResponse creates a new del response
func NewDelResponse(err error) *Message {
	msg := &Message{MsgType: MsgTDel}
	setErr(msg, err)
	return msg
}

// NewPublishRequest creates a new publish request
func NewPublishRequest(channel string, payload []byte) *Message {
	return &Message{MsgType: MsgTPublish, Arg: channel, Payload: payload}
}

// NewPublishResponse creates a new publish response
func NewPublishResponse(err error) *Message {
	msg := &Message{MsgType: MsgTPublish}
	setErr(msg, err)
	return msg
}

// NewPushMessage creates the message the broker pushes to every subscriber of a channel
func NewPushMessage(channel string, payload []byte) *Message {
	return &Message{MsgType: MsgTPublish, Arg: channel, Payload: payload}
}

// NewSubscribeRequest creates a new subscribe request
func NewSubscribeRequest(channel string) *Message {
	return &Message{MsgType: MsgTSubscribe, Arg: channel}
}

// NewSubscribeResponse creates a new subscribe response
func NewSubscribeResponse(err error) *Message {
	msg := &Message{MsgType: MsgTSubscribe, Ok: err == nil}
	setErr(msg, err)
	return msg
}

// NewUnsubscribeRequest creates a new unsubscribe request
func NewUnsubscribeRequest(channel string) *Message {
	return &Message{MsgType: MsgTUnsubscribe, Arg: channel}
}

// NewUnsubscribeResponse creates a new unsubscribe response
func NewUnsubscribeResponse(err error) *Message {
	msg := &Message{MsgType: MsgTUnsubscribe}
	setErr(msg, err)
	return msg
}

// NewLockRequest creates a new lock request. A negative timeout waits forever.
func NewLockRequest(name string, timeout time.Duration) *Message {
	ms := timeout.Milliseconds()
	if timeout < 0 {
		ms = -1
	}
	return &Message{MsgType: MsgTLock, Arg: name, Timeout: ms}
}

// NewLockResponse creates a new lock response carrying the owner id of the lease
func NewLockResponse(ownerID string, err error) *Message {
	msg := &Message{MsgType: MsgTLock, Payload: []byte(ownerID), Ok: err == nil}
	setErr(msg, err)
	return msg
}

// NewUnlockRequest creates a new unlock request
func NewUnlockRequest(name, ownerID string) *Message {
	return &Message{MsgType: MsgTUnlock, Arg: name, Payload: []byte(ownerID)}
}

// NewUnlockResponse creates a new unlock response
func NewUnlockResponse(ok bool, err error) *Message {
	msg := &Message{MsgType: MsgTUnlock, Ok: ok}
	setErr(msg, err)
	return msg
}

// NewIsLockedRequest creates a new isLocked request
func NewIsLockedRequest(name string) *Message {
	return &Message{MsgType: MsgTIsLocked, Arg: name}
}

// NewIsLockedResponse creates a new isLocked response
func NewIsLockedResponse(locked bool, err error) *Message {
	msg := &Message{MsgType: MsgTIsLocked, Ok: locked}
	setErr(msg, err)
	return msg
}

// NewEntityFieldsRequest registers fields that must be part of every patch event of an entity
func NewEntityFieldsRequest(entityName string, fields []string) *Message {
	return &Message{MsgType: MsgTEntityFields, Arg: entityName, Payload: EncodeFields(fields)}
}

// NewDelEntityFieldsRequest releases fields registered with NewEntityFieldsRequest
func NewDelEntityFieldsRequest(entityName string, fields []string) *Message {
	return &Message{MsgType: MsgTDelEntityFields, Arg: entityName, Payload: EncodeFields(fields)}
}

// NewGetEntityFieldsRequest asks for the fields currently registered for an entity
func NewGetEntityFieldsRequest(entityName string) *Message {
	return &Message{MsgType: MsgTGetEntityFields, Arg: entityName}
}

// NewEntityFieldsResponse creates the response for all three entity field requests
func NewEntityFieldsResponse(msgType MessageType, fields []string, err error) *Message {
	msg := &Message{MsgType: msgType, Payload: EncodeFields(fields)}
	setErr(msg, err)
	return msg
}

// NewErrorResponse creates a new error response
func NewErrorResponse(code, err string) *Message {
	return &Message{MsgType: MsgTError, Err: err, Code: code}
}

// setErr copies err into the message, keeping a code that was set before
func setErr(msg *Message, err error) {
	if err == nil {
		return
	}
	msg.Err = err.Error()
	if msg.Code == "" {
		msg.Code = ErrCodeInternal
	}
}

// --------------------------------------------------------------------------
// Field list encoding
// --------------------------------------------------------------------------

// fieldSep separates field names inside a payload. Field names are dot paths
// and never contain it.
const fieldSep = "\x00"

// EncodeFields packs a list of field names into a payload
func EncodeFields(fields []string) []byte {
	if len(fields) == 0 {
		return nil
	}
	return []byte(strings.Join(fields, fieldSep))
}

// DecodeFields is the inverse of EncodeFields
func DecodeFields(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	return strings.Split(string(b), fieldSep)
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in broker communication.
type MessageType uint8

var messageTypeNames = map[MessageType]string{
	MsgTSuccess:         "success",
	MsgTError:           "error",
	MsgTGet:             "get",
	MsgTSet:             "set",
	MsgTDel:             "del",
	MsgTPublish:         "publish",
	MsgTSubscribe:       "subscribe",
	MsgTUnsubscribe:     "unsubscribe",
	MsgTLock:            "lock",
	MsgTUnlock:          "unlock",
	MsgTIsLocked:        "isLocked",
	MsgTEntityFields:    "entity-subscribe-fields",
	MsgTDelEntityFields: "del-entity-subscribe-fields",
	MsgTGetEntityFields: "get-entity-subscribe-fields",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseMessageType is the inverse of MessageType.String
func ParseMessageType(s string) (MessageType, error) {
	for t, name := range messageTypeNames {
		if name == s {
			return t, nil
		}
	}
	return MsgTUnknown, fmt.Errorf("unknown message type: %s", s)
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMessageType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Key value operations

	MsgTGet // Get a value by key
	MsgTSet // Set a value, optionally with ttl
	MsgTDel // Delete a key

	// Pub/sub operations

	MsgTPublish     // Publish to a channel, also used for server pushes
	MsgTSubscribe   // Subscribe the connection to a channel
	MsgTUnsubscribe // Unsubscribe the connection from a channel

	// Lock operations

	MsgTLock     // Acquire a named lock
	MsgTUnlock   // Release a named lock
	MsgTIsLocked // Check if a lock is held

	// Entity field registry

	MsgTEntityFields    // Register fields for patch events
	MsgTDelEntityFields // Release registered fields
	MsgTGetEntityFields // List registered fields
)
