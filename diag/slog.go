package diag

import (
	"context"
	"log/slog"
)

// SlogSink forwards diagnostics to a structured logger. slog handlers are
// safe for concurrent use, so a single SlogSink may be shared by multiple
// handles.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink backed by logger. A nil logger uses
// slog.Default().
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("source", "native")}
}

// Receive logs the message at the corresponding slog level.
func (s *SlogSink) Receive(msg Message) {
	s.logger.Log(context.Background(), msg.Level.SlogLevel(), msg.Text)
}
