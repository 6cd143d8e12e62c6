package util

import (
	"sort"
	"testing"
)

// TestMapHeapSet tests adding and updating keys
func TestMapHeapSet(t *testing.T) {
	mh := NewMapHeap[string]()
	if mh.Len() != 0 {
		t.Fatalf("New heap should be empty, but has length %d", mh.Len())
	}

	mh.Set("a", 100)
	mh.Set("b", 200)
	mh.Set("c", 50)

	if mh.Len() != 3 {
		t.Errorf("Heap should have 3 items, but has %d", mh.Len())
	}
	for _, k := range []string{"a", "b", "c"} {
		if !mh.Contains(k) {
			t.Errorf("Heap should contain key %s", k)
		}
	}

	key, prio, ok := mh.PeekMin()
	if !ok || key != "c" || prio != 50 {
		t.Errorf("Expected min item to be (c,50), got (%s,%d)", key, prio)
	}

	// moving c behind a and b
	mh.Set("c", 300)
	key, _, _ = mh.PeekMin()
	if key != "a" {
		t.Errorf("Min item should now be a, got %s", key)
	}
	if p, _ := mh.Priority("c"); p != 300 {
		t.Errorf("Item c should have priority 300, got %d", p)
	}
}

// TestMapHeapRemove tests removing items by key
func TestMapHeapRemove(t *testing.T) {
	mh := NewMapHeap[string]()
	mh.Set("a", 1)
	mh.Set("b", 2)
	mh.Set("c", 3)

	prio, ok := mh.Remove("b")
	if !ok || prio != 2 {
		t.Fatalf("Remove should return (2,true), got (%d,%v)", prio, ok)
	}
	if mh.Contains("b") || mh.Len() != 2 {
		t.Errorf("b should be gone, len %d", mh.Len())
	}
	if _, ok := mh.Remove("zz"); ok {
		t.Error("Remove should return false for non-existent key")
	}
}

// TestMapHeapPopOrder tests if items are popped in correct order
func TestMapHeapPopOrder(t *testing.T) {
	mh := NewMapHeap[int]()
	items := []struct {
		key  int
		prio int64
	}{{5, 50}, {3, 30}, {1, 10}, {4, 40}, {2, 20}}

	for _, it := range items {
		mh.Set(it.key, it.prio)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].prio < items[j].prio })

	for i, expected := range items {
		key, prio, ok := mh.PopMin()
		if !ok {
			t.Fatalf("Heap empty after %d items", i)
		}
		if key != expected.key || prio != expected.prio {
			t.Errorf("Pop %d: expected (%d,%d), got (%d,%d)", i, expected.key, expected.prio, key, prio)
		}
	}
	if _, _, ok := mh.PopMin(); ok {
		t.Error("PopMin on empty heap should return false")
	}
}
