// Package store provides the key-value interface used by the exchange broker
// for its get/set/del operations and as the backing table of the lock manager.
//
// Key Components:
//
//   - IStore Interface: the operations on a key-value store with optional ttl
//     per value. SetIfUnset and CompareAndDelete are the two atomic primitives
//     the lock manager is built on.
//
//   - Error System: errors carry a RetCode so callers can tell an invalid
//     operation from an internal failure or a closed store.
//
// Implementations:
//
//	- Local Store (lstore): an in-memory store on a concurrent hash map with a
//	  background sweeper that collects expired keys.
//	  Available in the "github.com/ValentinKolb/dSync/lib/store/lstore" package.
package store
