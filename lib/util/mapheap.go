// Package util
//
// This file provides a priority queue with key based access, used to collect
// expired entries. It combines a binary heap with a hash map:
//
//   - O(log n) for Set, Remove and PopMin
//   - O(1) for Contains and PeekMin
//
// MapHeap is not thread-safe, callers synchronize access.
//
// Example usage:
//
//	deadlines := NewMapHeap[string]()
//	deadlines.Set("session:1", time.Now().Add(time.Minute).UnixNano())
//	for {
//	    key, at, ok := deadlines.PeekMin()
//	    if !ok || at > time.Now().UnixNano() {
//	        break
//	    }
//	    deadlines.PopMin()
//	    // expire key
//	}
package util

import (
	"container/heap"
	"fmt"
)

type heapItem[K comparable] struct {
	key      K
	priority int64
	index    int // Index in the heap, maintained by heap package
}

func (i *heapItem[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.key, i.priority)
}

// MapHeap is a min heap of keys ordered by priority
type MapHeap[K comparable] struct {
	h entries[K]
	m map[K]*heapItem[K]
}

// NewMapHeap creates a new empty MapHeap
func NewMapHeap[K comparable]() *MapHeap[K] {
	mh := &MapHeap[K]{m: make(map[K]*heapItem[K])}
	mh.h.m = mh.m
	return mh
}

// Len returns the number of keys in the heap
func (mh *MapHeap[K]) Len() int { return len(mh.h.items) }

// Set adds key with the given priority or updates the priority of an existing key
func (mh *MapHeap[K]) Set(key K, priority int64) {
	if it, ok := mh.m[key]; ok {
		it.priority = priority
		heap.Fix(&mh.h, it.index)
		return
	}
	heap.Push(&mh.h, &heapItem[K]{key: key, priority: priority})
}

// Remove removes key and returns its priority
func (mh *MapHeap[K]) Remove(key K) (int64, bool) {
	it, ok := mh.m[key]
	if !ok {
		return 0, false
	}
	heap.Remove(&mh.h, it.index)
	return it.priority, true
}

// PeekMin returns the key with the lowest priority without removing it
func (mh *MapHeap[K]) PeekMin() (key K, priority int64, ok bool) {
	if len(mh.h.items) == 0 {
		return key, 0, false
	}
	it := mh.h.items[0]
	return it.key, it.priority, true
}

// PopMin removes and returns the key with the lowest priority
func (mh *MapHeap[K]) PopMin() (key K, priority int64, ok bool) {
	if len(mh.h.items) == 0 {
		return key, 0, false
	}
	it := heap.Pop(&mh.h).(*heapItem[K])
	return it.key, it.priority, true
}

// Contains checks if a key exists in the heap
func (mh *MapHeap[K]) Contains(key K) bool {
	_, ok := mh.m[key]
	return ok
}

// Priority returns the priority of key
func (mh *MapHeap[K]) Priority(key K) (int64, bool) {
	it, ok := mh.m[key]
	if !ok {
		return 0, false
	}
	return it.priority, true
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

type entries[K comparable] struct {
	items []*heapItem[K]
	m     map[K]*heapItem[K]
}

func (e *entries[K]) Len() int { return len(e.items) }

func (e *entries[K]) Less(i, j int) bool {
	return e.items[i].priority < e.items[j].priority
}

func (e *entries[K]) Swap(i, j int) {
	e.items[i], e.items[j] = e.items[j], e.items[i]
	e.items[i].index = i
	e.items[j].index = j
}

func (e *entries[K]) Push(x interface{}) {
	it := x.(*heapItem[K])
	it.index = len(e.items)
	e.items = append(e.items, it)
	e.m[it.key] = it
}

func (e *entries[K]) Pop() interface{} {
	old := e.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // Avoid memory leak
	it.index = -1
	e.items = old[:n-1]
	delete(e.m, it.key)
	return it
}
