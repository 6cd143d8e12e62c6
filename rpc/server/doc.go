// Package server implements the exchange broker. It receives requests through
// an IRPCServerTransport, routes them by message type to adapters and pushes
// channel deliveries back to subscribed connections.
//
// Key Components:
//
//   - ExchangeServer: implements transport.IServerHandler. A Session is created
//     when a connection opens and torn down when it closes; on close every
//     adapter releases what the session held (channel subscriptions, locks,
//     entity field registrations).
//
//   - Adapters: NewKVServerAdapter (get/set/del on a store.IStore),
//     NewLockServerAdapter (lock/unlock/isLocked on a lockmgr.ILockManager),
//     NewPubSubServerAdapter (publish/subscribe/unsubscribe on a pubsub.Hub)
//     and NewEntityFieldsServerAdapter (pubsub.FieldRegistry).
//
//   - Metrics: request, publish, push and error counters plus an open
//     connection gauge, exported with WriteMetrics in prometheus format.
//
// Concurrency:
//
//	Requests of one connection are handled in arrival order. Lock requests
//	may wait, so they reply from their own goroutine; an unlock sent after a
//	lock on the same connection is therefore never blocked by another waiter.
//
// Usage Example:
//
//	s := server.NewExchangeServer(
//	  common.ServerConfig{Transport: "tcp", Endpoint: "0.0.0.0:7070", LogLevel: "info"},
//	  tcp.NewTCPServerTransport(),
//	  serializer.NewBinarySerializer(),
//	)
//	if err := s.Serve(ctx); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
package server
