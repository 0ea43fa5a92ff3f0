package diag

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type explodingSink struct{}

func (explodingSink) Receive(Message) { panic("boom") }

func TestGuard_RecoversSinkPanic(t *testing.T) {
	sink := Guard(explodingSink{})

	assert.NotPanics(t, func() {
		sink.Receive(Message{Level: LevelWarning, Text: "still delivered"})
	})
}

func TestGuard_NilSinkFallsBackToDefault(t *testing.T) {
	sink := Guard(nil)
	require.NotNil(t, sink)
	assert.NotPanics(t, func() {
		sink.Receive(Message{Level: LevelDebug, Text: "filtered by default level"})
	})
}

func TestGuard_IsIdempotent(t *testing.T) {
	inner := NewCollector()
	once := Guard(inner)
	twice := Guard(once)
	assert.Same(t, once, twice)
}

func TestGuard_ForwardsMinLevel(t *testing.T) {
	inner := NewStderrSink(WithWriter(&bytes.Buffer{}))
	sink := Guard(inner)

	leveler, ok := sink.(Leveler)
	require.True(t, ok)
	leveler.SetMinLevel(LevelError)
	assert.Equal(t, LevelError, inner.MinLevel())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warning", LevelWarning, false},
		{"error", LevelError, false},
		{"fatal", LevelInfo, true},
		{"", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestStderrSink_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStderrSink(WithWriter(&buf))

	sink.Receive(Message{Level: LevelDebug, Text: "too quiet"})
	sink.Receive(Message{Level: LevelWarning, Text: "loud enough"})

	out := buf.String()
	assert.NotContains(t, out, "too quiet")
	assert.Contains(t, out, "[dbstream WARNING] loud enough")
}

func TestStderrSink_SetMinLevelTakesEffect(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStderrSink(WithWriter(&buf))

	sink.SetMinLevel(LevelError)
	sink.Receive(Message{Level: LevelWarning, Text: "now filtered"})
	sink.SetMinLevel(LevelDebug)
	sink.Receive(Message{Level: LevelDebug, Text: "now visible"})

	out := buf.String()
	assert.NotContains(t, out, "now filtered")
	assert.Contains(t, out, "[dbstream DEBUG] now visible")
}

func TestStderrSink_RateLimitSuppressesAndReports(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStderrSink(WithWriter(&buf), WithRateLimit(1000, 2))

	for i := 0; i < 10; i++ {
		sink.Receive(Message{Level: LevelInfo, Text: "chatty"})
	}

	assert.Positive(t, sink.Suppressed())
}

func TestCollector_ByLevel(t *testing.T) {
	c := NewCollector()
	c.Receive(Message{Level: LevelInfo, Text: "a"})
	c.Receive(Message{Level: LevelWarning, Text: "b"})
	c.Receive(Message{Level: LevelWarning, Text: "c"})

	assert.Equal(t, 3, c.Len())
	warnings := c.ByLevel(LevelWarning)
	require.Len(t, warnings, 2)
	assert.Equal(t, "b", warnings[0].Text)
	assert.Equal(t, "c", warnings[1].Text)
}

func TestSlogSink_RoutesToLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	sink := NewSlogSink(logger)
	sink.Receive(Message{Level: LevelWarning, Text: "degraded feed"})

	out := buf.String()
	assert.Contains(t, out, "degraded feed")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "source=native")
}

func TestNATSSink_DegradesWithoutConnection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	// A nil NATS connection must never panic or lose the local mirror.
	sink := NewNATSSink("handle-1", nil, logger)
	sink.Receive(Message{Level: LevelError, Text: "native error"})
	sink.Close()

	assert.Contains(t, buf.String(), "native error")
}

func TestNATSSink_ReceiveAfterCloseDoesNotPanic(t *testing.T) {
	sink := NewNATSSink("handle-2", nil, nil)
	sink.Close()
	assert.NotPanics(t, func() {
		sink.Receive(Message{Level: LevelInfo, Text: "late"})
	})
	sink.Close() // idempotent
}
