package lockmgr

import (
	"context"
	"errors"
	"time"
)

// ErrLockTimeout is returned when a lock could not be acquired in time
var ErrLockTimeout = errors.New("lock timeout")

// ILockManager defines the interface for a named lock provider.
type ILockManager interface {
	// AcquireLock acquires the lock for key and returns the owner id of the
	// lease. A negative timeout waits until the lock is granted or ctx is done,
	// a timeout of 0 tries exactly once. ErrLockTimeout is returned when the
	// lock could not be acquired in time.
	AcquireLock(ctx context.Context, key string, timeout time.Duration) (ownerID string, err error)

	// ReleaseLock releases the lock for key if it is held by ownerID. Releasing
	// a lock that is not held, or held by another owner, is a no-op and
	// returns false.
	ReleaseLock(key string, ownerID string) (released bool, err error)

	// IsLocked reports whether the lock for key is currently held
	IsLocked(key string) (bool, error)
}
