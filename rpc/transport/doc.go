// Package transport defines the contract between the exchange broker and its
// network layer. Every transport carries frames tagged with a request id:
// a reply echoes the id of its request and server pushes use id 0, so one
// connection multiplexes request/reply traffic with channel deliveries.
//
// Key Components:
//
//   - IRPCServerTransport / IServerHandler / IServerConn: the server side. The
//     handler sees each connection open, every request and the close, which
//     lets the broker tie subscriptions and locks to a connection.
//
//   - IRPCClientTransport: the client side with request correlation and a
//     push callback.
//
// Implementations live in the tcp, unix and ws subpackages; tcp and unix share
// the stream framing of the base package.
package transport
