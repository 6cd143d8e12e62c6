package lockmgr

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/oklog/ulid/v2"
)

var Logger = logger.GetLogger("lockmgr")

// DefaultPollInterval is how often a waiting locker rechecks the store
const DefaultPollInterval = 100 * time.Millisecond

type lockMgrImpl struct {
	store        store.IStore
	leaseTTL     time.Duration
	pollInterval time.Duration

	// waiters holds one channel per contended key, closed on release
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// NewLockManager creates a lock manager storing its leases in s. A leaseTTL
// greater than zero lets a lease expire if its holder never releases it.
func NewLockManager(s store.IStore, leaseTTL, pollInterval time.Duration) ILockManager {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &lockMgrImpl{
		store:        s,
		leaseTTL:     leaseTTL,
		pollInterval: pollInterval,
		waiters:      make(map[string]chan struct{}),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see lockmgr.ILockManager)
// --------------------------------------------------------------------------

func (lm *lockMgrImpl) AcquireLock(ctx context.Context, key string, timeout time.Duration) (string, error) {
	ownerID := ulid.Make().String()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		// take the wait channel before trying, a release in between closes it
		wake := lm.waitChan(key)

		ok, err := lm.tryAcquire(key, ownerID)
		if err != nil {
			return "", err
		}
		if ok {
			Logger.Debugf("Lock %s acquired by %s", key, ownerID)
			return ownerID, nil
		}
		if timeout == 0 {
			return "", ErrLockTimeout
		}

		poll := time.NewTimer(lm.pollInterval)
		select {
		case <-wake:
		case <-poll.C:
		case <-deadline:
			poll.Stop()
			return "", ErrLockTimeout
		case <-ctx.Done():
			poll.Stop()
			return "", ctx.Err()
		}
		poll.Stop()
	}
}

func (lm *lockMgrImpl) ReleaseLock(key string, ownerID string) (bool, error) {
	released, err := lm.store.CompareAndDelete(key, []byte(ownerID))
	if err != nil || !released {
		return false, err
	}
	Logger.Debugf("Lock %s released by %s", key, ownerID)
	lm.notify(key)
	return true, nil
}

func (lm *lockMgrImpl) IsLocked(key string) (bool, error) {
	return lm.store.Has(key)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// tryAcquire writes the owner id if the key is free and verifies the result
func (lm *lockMgrImpl) tryAcquire(key, ownerID string) (bool, error) {
	set, err := lm.store.SetIfUnset(key, []byte(ownerID), lm.leaseTTL)
	if err != nil || !set {
		return false, err
	}
	value, found, err := lm.store.Get(key)
	if err != nil {
		return false, err
	}
	return found && bytes.Equal(value, []byte(ownerID)), nil
}

func (lm *lockMgrImpl) waitChan(key string) chan struct{} {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	ch, ok := lm.waiters[key]
	if !ok {
		ch = make(chan struct{})
		lm.waiters[key] = ch
	}
	return ch
}

// notify wakes every waiter of key
func (lm *lockMgrImpl) notify(key string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if ch, ok := lm.waiters[key]; ok {
		close(ch)
		delete(lm.waiters, key)
	}
}
