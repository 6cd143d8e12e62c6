// Package serializer converts exchange messages to bytes and back. New picks
// one of three implementations by name.
//
//   - binary (default): a flag byte records which of Arg, Payload, Timeout,
//     Ok, Err and Code are set; strings and byte slices carry a big endian
//     uint32 length prefix. Smallest and fastest.
//   - json: readable frames, handy when watching the ws transport with a
//     generic websocket client.
//   - gob: Go's gob encoding, the slowest of the three.
//
// Broker and clients must use the same serializer. All implementations are
// stateless and safe for concurrent use.
//
//	s, err := serializer.New("binary")
//	data, err := s.Serialize(msg)
//	...
//	var received common.Message
//	err = s.Deserialize(data, &received)
package serializer
