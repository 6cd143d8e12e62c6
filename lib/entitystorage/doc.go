/*
Package entitystorage is the server side of entity synchronization.

One EntityStorage belongs to one client connection. It leases the entity
instances the connection handed out (single entities and collection members)
and forwards their changes from the exchange to the client:

	storage := entitystorage.New(exchange, db, func(name string, e *entity.Event) {
	    // write entity/update, entity/patch, entity/remove or entity/removeMany
	})
	todo, err := storage.FindOne(ctx, "todo", query.Filter{"id": "T1"})
	todos, err := storage.Find(ctx, "todo", query.Filter{"done": false}, collection.PaginationState{})
	defer storage.Destroy()

A change is forwarded only while the instance is leased and only if its
version is newer than the last version sent. Per entity type the storage
holds exactly one exchange subscription, released once nothing of that type
is leased or queried.
*/
package entitystorage
