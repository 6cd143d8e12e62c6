// Package lockmgr implements named advisory locks on top of a store.IStore.
// The exchange broker uses it to serve lock, unlock and isLocked requests.
//
// Implementation Approach:
//
//	- Lock Acquisition: SetIfUnset writes a fresh ULID owner id only if the key
//	  is free, followed by a Get confirming that the stored value is ours.
//
//	- Waiting: a locker that lost the race waits on a per key channel that is
//	  closed when the lock is released, and rechecks the store every poll
//	  interval so that expired leases are noticed too. A timeout of 0 tries
//	  once, a negative timeout waits until the context is done.
//
//	- Lease TTL: an optional ttl frees a lock whose holder died without
//	  releasing it. The broker also releases every lock of a connection when
//	  it closes.
//
//	- Safe Release: ReleaseLock deletes the key only if it still holds the
//	  caller's owner id (CompareAndDelete), so a late or repeated unlock never
//	  frees someone else's lease.
//
// Usage Example:
//
//	locks := lockmgr.NewLockManager(lstore.NewLocalStore(), 0, 0)
//	owner, err := locks.AcquireLock(ctx, "file:a.txt", 5*time.Second)
//	if errors.Is(err, lockmgr.ErrLockTimeout) {
//	    // someone else holds it
//	}
//	defer locks.ReleaseLock("file:a.txt", owner)
package lockmgr
