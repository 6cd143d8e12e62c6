// Package ws implements the exchange transport over websockets
// (github.com/gorilla/websocket). Each frame is one binary message holding an
// 8 byte request id followed by the serialized message, so no length prefix is
// needed.
//
// The server can listen on its own (Listen) or be mounted on an existing mux
// since it implements http.Handler. Clients accept either host:port, which
// is expanded to ws://host:port/exchange, or a full ws:// url.
package ws
