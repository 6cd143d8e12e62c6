// Package tcp implements the exchange transport over TCP sockets using the
// stream framing of the base package.
//
// Key Components:
//
//   - clientConnector: dials the broker and applies the socket options
//
//   - serverConnector: creates the listener and tunes every accepted
//     connection (no delay, buffer sizes, keep alive, linger)
//
// The default server read buffer is 512 KB.
package tcp
