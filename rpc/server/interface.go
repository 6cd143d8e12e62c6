package server

import (
	"github.com/ValentinKolb/dSync/rpc/common"
)

// IRPCServerAdapter is the interface for all broker adapters. Each adapter
// serves one concern (key/value, locks, pub/sub, entity fields) and owns the
// state a session creates in it.
type IRPCServerAdapter interface {
	// Handles reports whether the adapter serves the message type
	Handles(t common.MessageType) bool
	// Handle handles a request. The response is passed to reply, either before
	// Handle returns or later from another goroutine.
	Handle(sess *Session, req *common.Message, reply func(resp *common.Message))
	// Release frees everything the session holds in this adapter
	Release(sess *Session)
}
