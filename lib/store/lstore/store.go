package lstore

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("store")

// DefaultSweepInterval is how often expired keys are collected
const DefaultSweepInterval = time.Second

// entry is a stored value. expiresAt is a unix nano timestamp, 0 means never.
type entry struct {
	value     []byte
	expiresAt int64
}

func (e entry) expired(now int64) bool {
	return e.expiresAt != 0 && e.expiresAt <= now
}

type storeImpl struct {
	data *xsync.MapOf[string, entry]

	// deadlines orders keys with a ttl by expiry, guarded by gcMu
	gcMu      sync.Mutex
	deadlines *util.MapHeap[string]

	closed atomic.Bool
	stop   chan struct{}
	now    func() time.Time
}

// NewLocalStore creates a new in-memory store collecting expired keys every
// DefaultSweepInterval.
func NewLocalStore() store.IStore {
	return NewLocalStoreWithSweep(DefaultSweepInterval)
}

// NewLocalStoreWithSweep creates a new in-memory store with a custom sweep interval
func NewLocalStoreWithSweep(interval time.Duration) store.IStore {
	s := &storeImpl{
		data:      xsync.NewMapOf[string, entry](),
		deadlines: util.NewMapHeap[string](),
		stop:      make(chan struct{}),
		now:       time.Now,
	}
	go s.sweep(interval)
	return s
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Set(key string, value []byte) error {
	return s.SetE(key, value, 0)
}

func (s *storeImpl) SetE(key string, value []byte, ttl time.Duration) error {
	if err := s.check(key); err != nil {
		return err
	}
	e := s.newEntry(value, ttl)
	s.data.Store(key, e)
	s.track(key, e)
	return nil
}

func (s *storeImpl) SetIfUnset(key string, value []byte, ttl time.Duration) (bool, error) {
	if err := s.check(key); err != nil {
		return false, err
	}
	now := s.now().UnixNano()
	e := s.newEntry(value, ttl)
	set := false
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if loaded && !old.expired(now) {
			return old, false
		}
		set = true
		return e, false
	})
	if set {
		s.track(key, e)
	}
	return set, nil
}

func (s *storeImpl) Delete(key string) error {
	if err := s.check(key); err != nil {
		return err
	}
	s.data.Delete(key)
	s.untrack(key)
	return nil
}

func (s *storeImpl) CompareAndDelete(key string, expected []byte) (bool, error) {
	if err := s.check(key); err != nil {
		return false, err
	}
	now := s.now().UnixNano()
	deleted := false
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded || old.expired(now) {
			return old, !loaded || old.expired(now)
		}
		if bytes.Equal(old.value, expected) {
			deleted = true
			return old, true
		}
		return old, false
	})
	if deleted {
		s.untrack(key)
	}
	return deleted, nil
}

func (s *storeImpl) Get(key string) ([]byte, bool, error) {
	if err := s.check(key); err != nil {
		return nil, false, err
	}
	e, ok := s.data.Load(key)
	if !ok || e.expired(s.now().UnixNano()) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *storeImpl) Has(key string) (bool, error) {
	_, ok, err := s.Get(key)
	return ok, err
}

func (s *storeImpl) Len() int {
	now := s.now().UnixNano()
	n := 0
	s.data.Range(func(_ string, e entry) bool {
		if !e.expired(now) {
			n++
		}
		return true
	})
	return n
}

func (s *storeImpl) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.stop)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *storeImpl) check(key string) error {
	if s.closed.Load() {
		return store.NewError(store.RetCClosed, "store is closed")
	}
	if key == "" {
		return store.NewError(store.RetCInvalidOperation, "empty key")
	}
	return nil
}

func (s *storeImpl) newEntry(value []byte, ttl time.Duration) entry {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl).UnixNano()
	}
	return e
}

// track registers or clears the deadline of key
func (s *storeImpl) track(key string, e entry) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	if e.expiresAt == 0 {
		s.deadlines.Remove(key)
		return
	}
	s.deadlines.Set(key, e.expiresAt)
}

func (s *storeImpl) untrack(key string) {
	s.gcMu.Lock()
	s.deadlines.Remove(key)
	s.gcMu.Unlock()
}

// sweep periodically deletes expired keys
func (s *storeImpl) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.collect(); n > 0 {
				Logger.Debugf("Collected %d expired keys", n)
			}
		}
	}
}

// collect removes every key whose deadline has passed and returns their count
func (s *storeImpl) collect() int {
	now := s.now().UnixNano()
	var due []string

	s.gcMu.Lock()
	for {
		key, at, ok := s.deadlines.PeekMin()
		if !ok || at > now {
			break
		}
		s.deadlines.PopMin()
		due = append(due, key)
	}
	s.gcMu.Unlock()

	n := 0
	for _, key := range due {
		// the key may have been set again without a ttl in the meantime
		s.data.Compute(key, func(e entry, loaded bool) (entry, bool) {
			if loaded && e.expired(now) {
				n++
				return e, true
			}
			return e, !loaded
		})
	}
	return n
}
