// Package lstore implements a local, in-memory key-value store based on the
// store.IStore interface. Data is not persisted between process restarts.
//
// Implementation Details:
//
//   - Storage: entries live in an xsync.MapOf. Conditional writes
//     (SetIfUnset, CompareAndDelete) run inside MapOf.Compute, which makes
//     them atomic per key without a global lock.
//
//   - Expiry: an entry with a ttl stores its deadline. Reads treat expired
//     entries as missing, so expiry is exact even before collection. A
//     util.MapHeap ordered by deadline lets the sweeper goroutine find expired
//     keys without scanning the map.
//
// Usage Example:
//
//	s := lstore.NewLocalStore()
//	defer s.Close()
//	_ = s.SetE("session:123", data, 5*time.Minute)
//	value, exists, err := s.Get("session:123")
package lstore
