package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error kinds on the wire
const (
	KindDefault        = "@error:default"
	KindValidation     = "@error:validation"
	KindParameter      = "@error:parameter"
	KindAccessDenied   = "@error:access-denied"
	KindAuthentication = "@error:authentication"
	KindLockTimeout    = "@error:lock-timeout"
	KindNotFound       = "@error:not-found"
)

// Sentinel errors of the kinds without payload, compare with errors.Is
var (
	ErrAccessDenied   = &Error{Kind: KindAccessDenied, Message: "access denied"}
	ErrAuthentication = &Error{Kind: KindAuthentication, Message: "authentication failed"}
	ErrLockTimeout    = &Error{Kind: KindLockTimeout, Message: "lock timeout"}
	ErrNotFound       = &Error{Kind: KindNotFound, Message: "not found"}
)

// Error is an error that crossed the wire
type Error struct {
	Kind    string
	Message string
	Stack   string
	Code    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// Is matches errors of the same kind
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// ValidationErrorItem is one failed check
type ValidationErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func joinItems(items []ValidationErrorItem) string {
	parts := make([]string, len(items))
	for i, v := range items {
		parts[i] = fmt.Sprintf("%s: %s (%s)", v.Path, v.Message, v.Code)
	}
	return strings.Join(parts, ",")
}

// ValidationError is a failed validation of a value
type ValidationError struct {
	Errors []ValidationErrorItem `json:"errors"`
}

func (e *ValidationError) Error() string {
	return joinItems(e.Errors)
}

// ValidationParameterError is a failed validation of an action parameter.
// The action did not run.
type ValidationParameterError struct {
	Controller string                `json:"controller"`
	Action     string                `json:"action"`
	Index      int                   `json:"index"`
	Errors     []ValidationErrorItem `json:"errors"`
}

func (e *ValidationParameterError) Error() string {
	return fmt.Sprintf("%s.%s argument %d: %s", e.Controller, e.Action, e.Index, joinItems(e.Errors))
}

// --------------------------------------------------------------------------
// Wire conversion
// --------------------------------------------------------------------------

// EncodeError returns the kind, the error payload and the stack of err.
// Validation errors carry their items, every other error its message.
func EncodeError(err error) (kind string, payload json.RawMessage, stack string) {
	var (
		verr *ValidationError
		perr *ValidationParameterError
		werr *Error
	)
	switch {
	case errors.As(err, &perr):
		return KindParameter, MustRaw(perr), ""
	case errors.As(err, &verr):
		return KindValidation, MustRaw(verr), ""
	case errors.As(err, &werr):
		return werr.Kind, MustRaw(err.Error()), werr.Stack
	}
	return KindDefault, MustRaw(err.Error()), ""
}

// NewErrorReply builds the error message of request id
func NewErrorReply(id uint64, err error, code string) *Reply {
	kind, payload, stack := EncodeError(err)
	return &Reply{ID: id, Type: TypeError, Kind: kind, Error: payload, Stack: stack, Code: code}
}

// DecodeError reconstructs the typed error of an error message
func DecodeError(r *Reply) error {
	switch r.Kind {
	case KindValidation:
		e := &ValidationError{}
		if err := json.Unmarshal(r.Error, e); err == nil {
			return e
		}
	case KindParameter:
		e := &ValidationParameterError{}
		if err := json.Unmarshal(r.Error, e); err == nil {
			return e
		}
	}

	var msg string
	if err := json.Unmarshal(r.Error, &msg); err != nil {
		msg = string(r.Error)
	}
	kind := r.Kind
	if kind == "" {
		kind = KindDefault
	}
	return &Error{Kind: kind, Message: msg, Stack: r.Stack, Code: r.Code}
}
