// Package buffer provides a thread-safe generic circular buffer with
// configurable overflow policies. It backs the per-device sample queues and
// the per-client event fan-out queues, where a slow consumer must never
// block a producer.
package buffer

import (
	"sync"

	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
)

// OverflowPolicy defines behavior when writing to a full buffer.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room for the new one.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the incoming item and keeps the buffer unchanged.
	DropNewest
)

// Option configures a Ring.
type Option[T any] func(*options[T])

type options[T any] struct {
	policy       OverflowPolicy
	dropCallback func(T)
}

// WithOverflowPolicy sets the overflow policy. Default is DropOldest.
func WithOverflowPolicy[T any](p OverflowPolicy) Option[T] {
	return func(o *options[T]) { o.policy = p }
}

// WithDropCallback registers a callback invoked for every dropped item.
// The callback runs outside the buffer lock.
func WithDropCallback[T any](fn func(T)) Option[T] {
	return func(o *options[T]) { o.dropCallback = fn }
}

// Ring is a thread-safe circular buffer. A Ring never blocks a writer:
// overflow is resolved by the configured policy.
type Ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool
	opts     options[T]
	stats    Statistics

	// ready carries a token whenever the buffer may be non-empty,
	// letting pump goroutines select on it alongside shutdown signals.
	ready chan struct{}
}

// New creates a Ring with the given capacity. Capacity below 1 is raised to 1.
func New[T any](capacity int, opts ...Option[T]) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	o := options[T]{policy: DropOldest}
	for _, opt := range opts {
		opt(&o)
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		opts:     o,
		ready:    make(chan struct{}, 1),
	}
}

// Ready returns a channel that receives a token when items may be available.
// Consumers must drain with Read/ReadBatch after each token; a single token
// can cover multiple writes.
func (r *Ring[T]) Ready() <-chan struct{} {
	return r.ready
}

// Write adds an item according to the overflow policy. Write only fails on
// a closed buffer.
func (r *Ring[T]) Write(item T) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Ring", "Write", "buffer closed")
	}

	var dropped T
	var didDrop bool

	if r.size == r.capacity {
		r.stats.overflow()
		switch r.opts.policy {
		case DropOldest:
			dropped = r.items[r.tail]
			didDrop = true
			r.tail = (r.tail + 1) % r.capacity
			r.size--
		case DropNewest:
			r.mu.Unlock()
			if r.opts.dropCallback != nil {
				r.opts.dropCallback(item)
			}
			return nil
		}
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.stats.write(int64(r.size))
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}

	if didDrop && r.opts.dropCallback != nil {
		r.opts.dropCallback(dropped)
	}
	return nil
}

// Read retrieves and removes one item. The second return is false when the
// buffer is empty.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.tail]
	r.items[r.tail] = zero // release for GC
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	r.stats.read(int64(r.size))
	return item, true
}

// ReadBatch retrieves and removes up to max items.
func (r *Ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	n := max
	if n > r.size {
		n = r.size
	}

	out := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		out[i] = r.items[r.tail]
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		r.stats.read(int64(r.size))
	}
	return out
}

// Len returns the current number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Clear removes all items. Dropped items are reported to the drop callback.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	var cleared []T
	if r.opts.dropCallback != nil && r.size > 0 {
		cleared = make([]T, 0, r.size)
		for i := 0; i < r.size; i++ {
			cleared = append(cleared, r.items[(r.tail+i)%r.capacity])
		}
	}
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.tail, r.size = 0, 0, 0
	r.stats.setSize(0)
	r.mu.Unlock()

	for _, item := range cleared {
		r.opts.dropCallback(item)
	}
}

// Close marks the buffer closed. Reads continue to drain remaining items;
// further writes fail.
func (r *Ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Stats returns a snapshot of buffer statistics.
func (r *Ring[T]) Stats() StatsSnapshot {
	return r.stats.snapshot()
}
