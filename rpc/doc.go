// Package rpc contains the exchange: a small broker process offering
// publish/subscribe channels, named locks and a key/value store to every
// server instance of an application.
//
// The package is organized into several subpackages:
//
//   - common: the Message protocol, configuration structures and logging.
//
//   - serializer: Message serialization (Binary, JSON, GOB).
//
//   - transport: framed request/reply connections with server pushes, with
//     TCP, Unix socket and WebSocket implementations.
//
//   - server: the broker itself. It is connection aware: subscriptions, locks
//     and entity field registrations belong to the connection that created
//     them and are released when it closes.
//
//   - client: the Exchange client used by application servers.
package rpc
