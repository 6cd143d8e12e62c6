// Package memdb is an in-memory implementation of database.IDatabase.
//
// Every write publishes its entity.Event through the configured publisher
// (usually the exchange client), in write order per entity type. Patch events
// carry the fields other connections registered at the broker.
package memdb
