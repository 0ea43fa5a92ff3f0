package buffer

import (
	"sync"

	"github.com/Alparse/dbstream/errors"
)

// circular is a thread-safe ring buffer with configurable overflow policies.
type circular[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	opts     *bufferOptions[T]

	// For Block policy
	notFull *sync.Cond
	closed  bool
}

func newCircular[T any](capacity int, opts *bufferOptions[T]) *circular[T] {
	if capacity <= 0 {
		capacity = 1
	}
	cb := &circular[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		opts:     opts,
	}
	cb.notFull = sync.NewCond(&cb.mu)
	return cb
}

// Write adds an item to the buffer according to the overflow policy.
func (cb *circular[T]) Write(item T) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		switch cb.opts.overflowPolicy {
		case DropOldest:
			dropped := cb.items[cb.tail]
			cb.tail = (cb.tail + 1) % cb.capacity
			cb.size--
			cb.stats.Drop()
			if cb.opts.dropCallback != nil {
				// Run the callback outside the lock to avoid deadlock
				defer cb.opts.dropCallback(dropped)
			}

		case DropNewest:
			cb.stats.Drop()
			if cb.opts.dropCallback != nil {
				defer cb.opts.dropCallback(item)
			}
			return nil

		case Block:
			for cb.size == cb.capacity && !cb.closed {
				cb.notFull.Wait()
			}
			if cb.closed {
				return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write",
					"buffer closed during blocking wait")
			}
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	return nil
}

// Read retrieves and removes one item from the buffer.
func (cb *circular[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}

	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero // clear for GC
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--

	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.size))
	cb.notFull.Signal()
	return item, true
}

// ReadBatch retrieves and removes up to max items from the buffer.
func (cb *circular[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}

	n := max
	if n > cb.size {
		n = cb.size
	}

	result := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		result[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--
		cb.stats.Read()
	}

	cb.stats.UpdateSize(int64(cb.size))
	for i := 0; i < n; i++ {
		cb.notFull.Signal()
	}
	return result
}

// Size returns the current number of items in the buffer.
func (cb *circular[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (cb *circular[T]) Capacity() int {
	return cb.capacity // immutable, no lock needed
}

// Stats returns buffer statistics.
func (cb *circular[T]) Stats() *Statistics {
	return cb.stats
}

// Close shuts down the buffer and wakes any blocked writers.
func (cb *circular[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	cb.notFull.Broadcast()
	return nil
}
