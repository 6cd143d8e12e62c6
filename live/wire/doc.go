// Package wire frames the JSON messages of the application socket.
//
// A message larger than the chunk size (100 KiB by default) is sent as
//
//	@batch-start:<messageId>:<chunkId>:<totalLength>
//	@batch:<chunkId>:<fragment>
//	...
//	@batch-end:<chunkId>
//
// and reassembled by a Batcher before it is decoded. Progress values
// registered for a message id follow the transfer chunk by chunk.
package wire
