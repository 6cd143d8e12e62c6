// Package client connects to a live server and keeps action results in sync.
//
// A Client owns one websocket connection and one entitystate.EntityState.
// Entity results and collection members are the cached instances of that
// state, so a change pushed for an entity reaches every result holding it.
//
// Usage Example:
//
//	c, err := client.Dial(ctx, client.Config{URL: "ws://localhost:8080/live", Token: token})
//	res, err := c.Call(ctx, "todo", "open")
//	col := res.Collection.Collection()
//	col.Subscribe(func(e collection.Event) { ... })
//	col.Pagination().SetPage(2)
//	err = res.Collection.Apply(ctx)
//
// Callbacks of subjects and collections run on the reader goroutine of the
// connection. They must not wait for requests of the same client.
package client
