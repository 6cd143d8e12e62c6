// Package entitystate is the client side cache of synchronized entities.
//
// The cache holds exactly one document per entity type and id. Sync messages
// from the server (update, patch, remove, removeMany) are applied to that
// document; patches that are not newer than the cached version are dropped.
// Collections received from the server are reconciled against the cache, so
// every collection member is the cached instance and entity changes surface as
// deep changes of the collection.
package entitystate
