package transport

import (
	"context"
	"errors"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("transport closed")

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// IServerConn is a single client connection as seen by a server handler
type IServerConn interface {
	// ID uniquely identifies the connection for the lifetime of the server
	ID() string
	// Reply writes the response of the request with the given id. It is safe
	// to call from any goroutine.
	Reply(requestID uint64, data []byte) error
	// Push sends unsolicited data to the client (request id 0)
	Push(data []byte) error
}

// IServerHandler receives the events of every connection of a server transport.
// Requests of one connection are delivered sequentially in arrival order; a
// handler that needs to wait must reply from its own goroutine.
type IServerHandler interface {
	OnConnect(conn IServerConn)
	// HandleRequest must not retain data after it returns
	HandleRequest(conn IServerConn, requestID uint64, data []byte)
	OnClose(conn IServerConn)
}

// IRPCServerTransport is the interface for the broker transport layer
type IRPCServerTransport interface {
	// RegisterHandler registers the handler called for every connection
	RegisterHandler(handler IServerHandler)
	// Listen starts the transport and blocks until ctx is done or the
	// listener fails
	Listen(ctx context.Context, config common.ServerConfig) error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// PushHandler receives server pushes. It is called on the reader goroutine of
// the transport and must not block.
type PushHandler func(data []byte)

// IRPCClientTransport is the interface for the broker client transport
type IRPCClientTransport interface {
	// OnPush registers the push handler, must be called before Connect
	OnPush(handler PushHandler)
	// Connect establishes the connection
	Connect(config common.ClientConfig) error
	// Send sends a request and waits for its response
	Send(ctx context.Context, req []byte) (resp []byte, err error)
	// Done is closed once the connection is lost or closed
	Done() <-chan struct{}
	// Close closes the transport connection
	Close() error
}
