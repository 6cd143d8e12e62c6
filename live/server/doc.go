// Package server serves registered actions to websocket clients.
//
// Every connection gets its own entitystorage.EntityStorage. Action results
// are sent according to their kind:
//
//   - Scalar: one next/json reply.
//   - Entity: a type reply carrying the item, then complete. Changes follow
//     as entity/* messages until the client sends entity/unsubscribe.
//   - Stream: a type reply announcing an observable. Each observable/subscribe
//     gets next/observable with the current value, then next/subject and
//     append/subject for every change. subject/unsubscribe releases the
//     producer.
//   - Collection: a type reply with the pagination, a next/collection set,
//     then add, remove, removeMany, sort and set events plus pagination
//     changes. collection/pagination re-runs the query, collection/unsubscribe
//     releases every member lease.
//
// Access checks (AccessChecker) run before argument validation; tokens of
// authenticate messages are resolved by an IAuthenticator such as
// JWTAuthenticator.
//
// Concurrency:
//
//	One reader goroutine handles control messages in arrival order. Each
//	action runs on its own goroutine, so a waiting lock or a slow query does
//	not hold back unsubscribe or pagination messages.
//
// Usage Example:
//
//	registry := action.NewRegistry(schemas)
//	registry.MustRegister(action.Descriptor{
//	  Controller: "todo", Action: "list",
//	  Result: action.ResultCollection, EntityName: "todo",
//	}, func(ctx context.Context, call *action.Call) (action.Result, error) {
//	  col, err := call.Storage.Find(ctx, "todo", query.Filter{}, collection.PaginationState{})
//	  return action.Collection{Collection: col}, err
//	})
//	s := server.New(server.Config{Endpoint: ":8080"}, registry, exchange, db)
//	err := s.Listen(ctx)
package server
