package lockmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/store/lstore"
)

func newTestManager(t *testing.T, ttl time.Duration) ILockManager {
	s := lstore.NewLocalStoreWithSweep(10 * time.Millisecond)
	t.Cleanup(func() { s.Close() })
	return NewLockManager(s, ttl, 10*time.Millisecond)
}

func TestTryOnce(t *testing.T) {
	lm := newTestManager(t, 0)
	ctx := context.Background()

	owner, err := lm.AcquireLock(ctx, "file:a.txt", 0)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	start := time.Now()
	if _, err := lm.AcquireLock(ctx, "file:a.txt", 0); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second acquire should fail with ErrLockTimeout, got %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("timeout 0 should fail immediately, took %s", time.Since(start))
	}

	if locked, _ := lm.IsLocked("file:a.txt"); !locked {
		t.Error("IsLocked should report the held lock")
	}

	if ok, _ := lm.ReleaseLock("file:a.txt", owner); !ok {
		t.Fatal("release by owner should succeed")
	}
	if _, err := lm.AcquireLock(ctx, "file:a.txt", 0); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	lm := newTestManager(t, 0)
	owner, _ := lm.AcquireLock(context.Background(), "k", 0)

	if ok, _ := lm.ReleaseLock("k", "someone-else"); ok {
		t.Error("release with a foreign owner id must not free the lock")
	}
	if ok, _ := lm.ReleaseLock("k", owner); !ok {
		t.Error("release by owner should succeed")
	}
	if ok, err := lm.ReleaseLock("k", owner); ok || err != nil {
		t.Errorf("second release should be a no-op, got %v %v", ok, err)
	}
}

func TestWaitForRelease(t *testing.T) {
	lm := newTestManager(t, 0)
	ctx := context.Background()
	owner, _ := lm.AcquireLock(ctx, "k", 0)

	done := make(chan error, 1)
	go func() {
		_, err := lm.AcquireLock(ctx, "k", time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	lm.ReleaseLock("k", owner)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiting acquire failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestTimeout(t *testing.T) {
	lm := newTestManager(t, 0)
	ctx := context.Background()
	lm.AcquireLock(ctx, "k", 0)

	start := time.Now()
	_, err := lm.AcquireLock(ctx, "k", 50*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Errorf("acquire gave up too early after %s", time.Since(start))
	}
}

func TestWaitForeverHonoursContext(t *testing.T) {
	lm := newTestManager(t, 0)
	lm.AcquireLock(context.Background(), "k", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := lm.AcquireLock(ctx, "k", -1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestLeaseTTL(t *testing.T) {
	lm := newTestManager(t, 30*time.Millisecond)
	ctx := context.Background()
	lm.AcquireLock(ctx, "k", 0)

	// the holder never releases, the lease expires
	if _, err := lm.AcquireLock(ctx, "k", time.Second); err != nil {
		t.Fatalf("acquire after lease expiry failed: %v", err)
	}
}

func TestMutualExclusion(t *testing.T) {
	lm := newTestManager(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inside, maxInside, counter := 0, 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner, err := lm.AcquireLock(ctx, "counter", -1)
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)
			counter++

			mu.Lock()
			inside--
			mu.Unlock()
			lm.ReleaseLock("counter", owner)
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("at most one holder expected, saw %d", maxInside)
	}
	if counter != 10 {
		t.Errorf("counter = %d, want 10", counter)
	}
}
