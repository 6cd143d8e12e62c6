package lstore

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/store"
)

func TestSetGetDelete(t *testing.T) {
	s := NewLocalStore()
	defer s.Close()

	if _, ok, _ := s.Get("missing"); ok {
		t.Fatal("Get on a missing key should not find anything")
	}

	if err := s.Set("a", []byte("1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, ok, err := s.Get("a")
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get(a) = %q, %v, %v", v, ok, err)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}

	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if has, _ := s.Has("a"); has {
		t.Error("key should be gone after Delete")
	}
	if err := s.Delete("a"); err != nil {
		t.Errorf("deleting a missing key should not fail: %v", err)
	}
}

func TestTTL(t *testing.T) {
	s := NewLocalStoreWithSweep(10 * time.Millisecond).(*storeImpl)
	defer s.Close()

	if err := s.SetE("k", []byte("v"), 30*time.Millisecond); err != nil {
		t.Fatalf("SetE failed: %v", err)
	}
	if has, _ := s.Has("k"); !has {
		t.Fatal("key should exist before its ttl elapsed")
	}

	time.Sleep(60 * time.Millisecond)
	if has, _ := s.Has("k"); has {
		t.Error("key should be expired")
	}

	// the sweeper removes the entry from the map
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.data.Load("k"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expired key was not collected")
}

func TestSetWithoutTTLClearsDeadline(t *testing.T) {
	s := NewLocalStoreWithSweep(5 * time.Millisecond)
	defer s.Close()

	_ = s.SetE("k", []byte("v1"), 20*time.Millisecond)
	_ = s.Set("k", []byte("v2"))
	time.Sleep(50 * time.Millisecond)

	v, ok, _ := s.Get("k")
	if !ok || string(v) != "v2" {
		t.Errorf("value without ttl should survive, got %q %v", v, ok)
	}
}

func TestSetIfUnset(t *testing.T) {
	s := NewLocalStore()
	defer s.Close()

	set, _ := s.SetIfUnset("lock", []byte("owner1"), 0)
	if !set {
		t.Fatal("first SetIfUnset should write")
	}
	set, _ = s.SetIfUnset("lock", []byte("owner2"), 0)
	if set {
		t.Fatal("second SetIfUnset should not overwrite")
	}
	v, _, _ := s.Get("lock")
	if string(v) != "owner1" {
		t.Errorf("value = %q, want owner1", v)
	}
}

func TestSetIfUnsetConcurrent(t *testing.T) {
	s := NewLocalStore()
	defer s.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if set, _ := s.SetIfUnset("race", []byte("x"), 0); set {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("exactly one SetIfUnset should win, got %d", winners)
	}
}

func TestCompareAndDelete(t *testing.T) {
	s := NewLocalStore()
	defer s.Close()

	_ = s.Set("k", []byte("a"))
	if ok, _ := s.CompareAndDelete("k", []byte("b")); ok {
		t.Error("CompareAndDelete with wrong value should not delete")
	}
	if ok, _ := s.CompareAndDelete("k", []byte("a")); !ok {
		t.Error("CompareAndDelete with matching value should delete")
	}
	if has, _ := s.Has("k"); has {
		t.Error("key should be gone")
	}
}

func TestErrors(t *testing.T) {
	s := NewLocalStore()

	var storeErr *store.Error
	if err := s.Set("", nil); !errors.As(err, &storeErr) || storeErr.Code != store.RetCInvalidOperation {
		t.Errorf("empty key should be an invalid operation, got %v", err)
	}

	s.Close()
	if err := s.Set("a", nil); !errors.As(err, &storeErr) || storeErr.Code != store.RetCClosed {
		t.Errorf("closed store should return RetCClosed, got %v", err)
	}
}
