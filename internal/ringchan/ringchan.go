// Package ringchan provides bounded, never-blocking event delivery.
package ringchan

import "sync/atomic"

// RingChannel is a bounded channel with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is discarded.
// Consumers read from C() like a regular channel.
type RingChannel[T any] struct {
	ch          chan T
	written     atomic.Int64
	overwritten atomic.Int64
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// ForceSend inserts v, discarding the oldest element if the buffer is full.
// Returns true if an element was dropped.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	dropped := false
	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
			// a consumer drained it concurrently, retry the send
		}
	}
}

// TryReceive is a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		return v, ok
	default:
		return v, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Overwritten returns how many elements were discarded so far.
func (rc *RingChannel[T]) Overwritten() int64 {
	return rc.overwritten.Load()
}

// Written returns how many elements were accepted so far.
func (rc *RingChannel[T]) Written() int64 {
	return rc.written.Load()
}

// Close closes the underlying channel. ForceSend panics afterwards.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}
