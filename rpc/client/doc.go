// Package client implements the client of the exchange broker.
//
// An Exchange owns one transport connection (tcp, unix or ws) and offers:
//   - key/value access with optional ttl (Get, Set, Del)
//   - publish/subscribe with local multiplexing: the broker sees a single
//     subscription per channel, every local Subscribe adds a callback
//   - named locks with wait and timeout (Lock, IsLocked, Lock.Unlock)
//   - typed helpers for entity change events ("entity/<name>") and file
//     content events ("file/<id>")
//   - the entity field registry used to enrich patch events
//
// Pushes are decoded on the transport reader and handed to a dispatch
// goroutine, so a callback may itself call the broker.
//
// Usage Example:
//
//	config := common.ClientConfig{Endpoint: "localhost:8561", Timeout: 5 * time.Second}
//	ex, err := client.NewExchange(config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	if err != nil {
//		return err
//	}
//	defer ex.Close()
//
//	lock, err := ex.Lock(ctx, "file:a.txt", time.Second)
//	if errors.Is(err, client.ErrLockTimeout) {
//		// somebody else holds it
//	}
//	defer lock.Unlock()
//
// There is no retry layer. A lost broker connection surfaces as an error of
// the next call and Done is closed.
package client
