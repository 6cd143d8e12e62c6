// Package base implements the parts of the exchange transports that do not
// depend on the network medium: framing, request correlation, server pushes
// and the per connection read loop.
//
// Key Components:
//
//   - IFrameConn: a connection carrying frames tagged with a request id.
//     NewStreamFrameConn frames a net.Conn as
//     [requestID uint64][length uint32][payload], all big endian.
//
//   - serverTransport: accepts connections from an IServerConnector and runs
//     ServeConn for each. ServeConn gives every connection a ULID, delivers
//     its requests to the handler in order and reports the close.
//
//   - clientTransport: a single connection with request ids allocated from an
//     atomic counter. Responses are routed to the waiting Send call; frames
//     with id 0 are pushes and go to the registered PushHandler.
//
// Performance notes:
//
//   - Buffer Pooling: the server reuses read buffers through a sync.Pool, one
//     per live connection.
//
//   - Frame Batching: frames are written with net.Buffers so header and
//     payload leave in a single write call.
//
// Thread Safety:
//
//	Writes on a connection are serialized with a mutex, so Reply, Push and
//	Send may be called from any goroutine.
package base
