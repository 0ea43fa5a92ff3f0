package dbstream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Alparse/dbstream/errors"
)

// completionQueue is the lossless FIFO carrying records from the native call
// goroutine to the consumer, plus the stream's single terminal outcome.
//
// The producer side has exactly two operations: Enqueue, called once per
// record, and Complete, called exactly once after the last record. The
// consumer drains records through Next until it observes the outcome; every
// record enqueued before Complete is delivered before the outcome is.
//
// Producer protocol violations are programming errors in the bridge itself
// and panic rather than corrupting the stream.
type completionQueue struct {
	items chan Record

	// completed flips once; outcome is written before items is closed and
	// read only after the close is observed.
	completed atomic.Bool
	outcome   error
}

func newCompletionQueue(capacity int) *completionQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &completionQueue{
		items: make(chan Record, capacity),
	}
}

// enqueue appends one record, blocking while the channel is full. It fails
// with ErrBackpressureTimeout when the consumer does not drain within
// timeout, or with ctx.Err() when the call is canceled while blocked.
func (q *completionQueue) enqueue(ctx context.Context, rec Record, timeout time.Duration) error {
	if q.completed.Load() {
		panic("dbstream: record enqueued after stream completion")
	}

	select {
	case q.items <- rec:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q.items <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.ErrBackpressureTimeout
	}
}

// complete records the stream's terminal outcome. A nil outcome is ordinary
// completion. Completing twice panics.
func (q *completionQueue) complete(outcome error) {
	if !q.completed.CompareAndSwap(false, true) {
		panic("dbstream: stream completed twice")
	}
	q.outcome = outcome
	close(q.items)
}

// next returns the oldest undelivered record. Once the queue is drained and
// completed it returns the terminal outcome; ordinary completion surfaces as
// errors.ErrEndOfStream. Records already enqueued are always delivered ahead
// of the outcome, including after cancellation.
func (q *completionQueue) next(ctx context.Context) (Record, error) {
	select {
	case rec, ok := <-q.items:
		if !ok {
			return Record{}, q.terminal()
		}
		return rec, nil
	default:
	}

	select {
	case rec, ok := <-q.items:
		if !ok {
			return Record{}, q.terminal()
		}
		return rec, nil
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}

func (q *completionQueue) terminal() error {
	if q.outcome == nil {
		return errors.ErrEndOfStream
	}
	return q.outcome
}
