// Package unix implements the exchange transport over Unix domain sockets,
// for a broker running on the same machine as the application servers.
//
// Key Components:
//
//   - clientConnector: establishes connections using Unix domain sockets
//
//   - serverConnector: removes a stale socket file and creates the listener
//
// The default server read buffer is 64 KB.
package unix
