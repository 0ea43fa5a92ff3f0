package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Alparse/dbstream/pkg/buffer"
)

// Entry is the JSON shape published to NATS for remote consumption.
type Entry struct {
	Timestamp string `json:"timestamp"` // RFC3339 format
	Level     string `json:"level"`
	Handle    string `json:"handle"`
	Message   string `json:"message"`
}

// NATSSink publishes diagnostics to a NATS subject (diag.{handle}) for
// remote streaming, mirroring each message to a local structured logger.
//
// Receive never blocks the native caller: messages land in a DropOldest
// ring buffer and a background goroutine performs the network I/O. A
// dropped or undeliverable message is degraded to the stderr fallback, so
// it is never lost silently.
type NATSSink struct {
	handleID string
	nc       *nats.Conn
	logger   *slog.Logger

	buf    buffer.Buffer[Message]
	wakeup chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewNATSSink creates a NATS-publishing sink for one handle and starts its
// delivery goroutine. logger may be nil.
func NewNATSSink(handleID string, nc *nats.Conn, logger *slog.Logger) *NATSSink {
	s := &NATSSink{
		handleID: handleID,
		nc:       nc,
		logger:   logger,
		wakeup:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.buf = buffer.NewCircular(1024,
		buffer.WithOverflowPolicy[Message](buffer.DropOldest),
		buffer.WithDropCallback[Message](func(msg Message) {
			fallback(msg)
		}),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliverLoop()
	}()
	return s
}

// Receive buffers the message for asynchronous delivery.
func (s *NATSSink) Receive(msg Message) {
	select {
	case <-s.done:
		// Sink closed mid-call; do not lose the message
		fallback(msg)
		return
	default:
	}

	if err := s.buf.Write(msg); err != nil {
		fallback(msg)
		return
	}

	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Close stops the delivery goroutine after flushing buffered messages.
func (s *NATSSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		_ = s.buf.Close()
	})
}

func (s *NATSSink) deliverLoop() {
	for {
		select {
		case <-s.wakeup:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *NATSSink) flush() {
	for {
		batch := s.buf.ReadBatch(64)
		if len(batch) == 0 {
			return
		}
		for _, msg := range batch {
			s.publish(msg)
		}
	}
}

func (s *NATSSink) publish(msg Message) {
	if s.logger != nil {
		s.logger.Log(context.Background(), msg.Level.SlogLevel(), msg.Text, "handle", s.handleID)
	}

	nc := s.nc
	if nc == nil {
		fallback(msg)
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     msg.Level.String(),
		Handle:    s.handleID,
		Message:   msg.Text,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		fallback(msg)
		return
	}

	subject := fmt.Sprintf("diag.%s", s.handleID)
	if err := nc.Publish(subject, data); err != nil {
		// Failed to publish - degrade, never fail the native call
		fallback(msg)
		if s.logger != nil {
			s.logger.Error("failed to publish diagnostic to NATS", "error", err, "subject", subject)
		}
	}
}
