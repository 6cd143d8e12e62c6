package store

import (
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is the generic interface for interacting with a key–value store.
// Values set with a ttl disappear once it elapses; an expired key behaves
// exactly like a missing one.
type IStore interface {
	// Set inserts or updates a key–value pair without ttl.
	Set(key string, value []byte) (err error)
	// SetE inserts or updates a key–value pair. A ttl of 0 means no expiry.
	SetE(key string, value []byte, ttl time.Duration) (err error)
	// SetIfUnset inserts a key–value pair if the key does not exist.
	// The returned bool reports whether the value was written.
	SetIfUnset(key string, value []byte, ttl time.Duration) (set bool, err error)
	// Delete deletes a key–value pair. Deleting a missing key is not an error.
	Delete(key string) (err error)
	// CompareAndDelete deletes key only if its current value equals expected.
	CompareAndDelete(key string, expected []byte) (deleted bool, err error)
	// Get returns the value for a key. The boolean reports whether it was found.
	Get(key string) (value []byte, loaded bool, err error)
	// Has returns whether a key exists in the store.
	Has(key string) (loaded bool, err error)
	// Len returns the number of live keys
	Len() int
	// Close stops background work of the store
	Close() error
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// NewError creates a new store error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Command executed successfully.
	RetCInternalError                   // 1: Command failed due to an internal error.
	RetCInvalidOperation                // 2: Invalid operation.
	RetCClosed                          // 3: The store is closed.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
