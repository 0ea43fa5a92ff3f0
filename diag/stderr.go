package diag

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// StderrSink writes diagnostics to a raw stream with level filtering, in the
// format "[dbstream LEVEL] message". Writes are rate limited so that a chatty
// native session cannot flood the process's stderr; suppressed messages are
// counted and reported on the next line that passes the limiter.
type StderrSink struct {
	mu         sync.Mutex
	w          io.Writer
	minLevel   atomic.Int32
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// StderrSinkOption configures a StderrSink.
type StderrSinkOption func(*StderrSink)

// WithWriter redirects output away from os.Stderr (used in tests).
func WithWriter(w io.Writer) StderrSinkOption {
	return func(s *StderrSink) { s.w = w }
}

// WithRateLimit bounds output to n messages per second with the given burst.
func WithRateLimit(n float64, burst int) StderrSinkOption {
	return func(s *StderrSink) { s.limiter = rate.NewLimiter(rate.Limit(n), burst) }
}

// NewStderrSink creates a stderr sink with minimum level Info.
func NewStderrSink(opts ...StderrSinkOption) *StderrSink {
	s := &StderrSink{
		w:       os.Stderr,
		limiter: rate.NewLimiter(rate.Limit(200), 400),
	}
	s.minLevel.Store(int32(LevelInfo))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetMinLevel sets the minimum level to emit; lower levels are filtered.
func (s *StderrSink) SetMinLevel(level Level) {
	s.minLevel.Store(int32(level))
}

// MinLevel returns the current minimum level.
func (s *StderrSink) MinLevel() Level {
	return Level(s.minLevel.Load())
}

// Receive writes the message to the underlying stream. Write errors are
// discarded: a broken stderr must not surface into the native call.
func (s *StderrSink) Receive(msg Message) {
	if int32(msg.Level) < s.minLevel.Load() {
		return
	}
	if !s.limiter.Allow() {
		s.suppressed.Add(1)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.suppressed.Swap(0); n > 0 {
		_, _ = fmt.Fprintf(s.w, "[dbstream INFO] %d diagnostic messages suppressed by rate limit\n", n)
	}
	_, _ = fmt.Fprintf(s.w, "[dbstream %s] %s\n", msg.Level, msg.Text)
}

// Suppressed returns the number of messages currently suppressed by the rate
// limiter and not yet reported.
func (s *StderrSink) Suppressed() int64 {
	return s.suppressed.Load()
}
