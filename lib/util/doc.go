// Package util holds small data structures shared by the broker and the
// clients: MapHeap, a keyed min heap used for ttl collection, and Dispatcher,
// an unbounded FIFO task queue with a single consumer goroutine.
package util
