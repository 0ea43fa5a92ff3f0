package dbstream

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Alparse/dbstream/errors"
	"github.com/Alparse/dbstream/native"
)

// Stream is the pull side of one streaming call. The blocking native call
// runs on a dedicated goroutine owned by the stream; the consumer sees only
// Next.
//
// A stream ends in exactly one outcome, returned by Next after the last
// record: errors.ErrEndOfStream for ordinary completion,
// errors.ErrStreamCanceled after cancellation, a *errors.CorruptRecordError
// when a record failed length validation, errors.ErrBackpressureTimeout when
// the consumer stalled, or the driver's own call error. The outcome is
// stable: further Next calls keep returning it.
type Stream struct {
	id     string
	client *Client
	queue  *completionQueue
	cancel context.CancelFunc

	maxRecord int
	bpTimeout time.Duration

	logger  *slog.Logger
	metrics recorder

	stopped atomic.Bool
	records atomic.Int64
}

// ID returns the stream's unique identifier.
func (s *Stream) ID() string { return s.id }

// Next returns the next record in arrival order. It blocks until a record is
// available, the stream reaches its outcome, or ctx is canceled (which
// affects only this wait, not the stream).
func (s *Stream) Next(ctx context.Context) (Record, error) {
	return s.queue.next(ctx)
}

// Received returns the number of records copied out of the native call so
// far, including records still buffered.
func (s *Stream) Received() int64 { return s.records.Load() }

// Stop asks the native call to end. Records already buffered are still
// delivered; Next then returns errors.ErrStreamCanceled. Safe to call from
// any goroutine, including concurrently with Next, and idempotent.
func (s *Stream) Stop() {
	s.stopped.Store(true)
	s.cancel()
}

// run executes the blocking native call and publishes the stream's outcome.
// It is the only goroutine that touches the producer side of the queue.
func (s *Stream) run(ctx context.Context, conn native.Conn, req native.StreamRequest, done chan struct{}) {
	start := time.Now()

	// A failed record or a stalled consumer ends the call via the Stop
	// return value; the error itself travels as data through the completion
	// queue, never through the native call frame.
	var termErr error

	callErr := conn.StreamCall(ctx, req, func(raw native.RawRecord) native.Action {
		if s.stopped.Load() || ctx.Err() != nil {
			return native.Stop
		}

		rec, err := copyRecord(raw, s.maxRecord)
		if err != nil {
			termErr = err
			s.metrics.corrupt()
			s.logger.Error("record failed length validation",
				"declared", raw.Length,
				"max", s.maxRecord,
				"rtype", raw.RType)
			return native.Stop
		}

		if err := s.queue.enqueue(ctx, rec, s.bpTimeout); err != nil {
			termErr = err
			if stderrors.Is(err, errors.ErrBackpressureTimeout) {
				s.metrics.backpressure()
				s.logger.Warn("consumer stalled, canceling stream",
					"timeout", s.bpTimeout)
				s.cancel()
			}
			return native.Stop
		}

		s.records.Add(1)
		s.metrics.record(rec.Size())
		return native.Continue
	})

	outcome := s.outcome(ctx, termErr, callErr)

	// Free the handle before publishing the outcome, so a consumer that
	// sees the outcome can immediately open the next stream.
	s.client.streamFinished(s)
	s.queue.complete(outcome)
	close(done)

	s.metrics.streamDone(outcomeLabel(outcome), time.Since(start))
	s.logger.Info("stream finished",
		"records", s.records.Load(),
		"outcome", outcomeLabel(outcome),
		"elapsed", time.Since(start))
}

// outcome reduces the call's exit conditions to the single terminal error,
// in precedence order: bridge-detected failures first, then the driver's own
// error, then cancellation.
func (s *Stream) outcome(ctx context.Context, termErr, callErr error) error {
	switch {
	case termErr != nil:
		if stderrors.Is(termErr, context.Canceled) ||
			stderrors.Is(termErr, context.DeadlineExceeded) {
			return errors.ErrStreamCanceled
		}
		return termErr
	case callErr != nil:
		return callErr
	case ctx.Err() != nil || s.stopped.Load():
		return errors.ErrStreamCanceled
	default:
		return nil
	}
}

func outcomeLabel(outcome error) string {
	switch {
	case outcome == nil:
		return "ok"
	case stderrors.Is(outcome, errors.ErrStreamCanceled):
		return "canceled"
	case errors.IsCorruptRecord(outcome):
		return "corrupt"
	default:
		return "failed"
	}
}
