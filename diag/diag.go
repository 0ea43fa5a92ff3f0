// Package diag routes diagnostic messages emitted by the native library
// during a call to a caller-chosen destination.
//
// A sink is mandatory wherever a native handle is constructed: the wrapped
// library dereferences its log receiver unconditionally when it formats a
// server warning, so an absent sink is a handle-construction error, not a
// runtime condition. Sinks must be safe for concurrent delivery from
// multiple handles, and Receive must never fail in a way observable to the
// native caller — destination failures degrade to a raw stderr fallback.
package diag

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// Level is the severity of a diagnostic message.
type Level int

const (
	// LevelDebug is verbose output from the native library
	LevelDebug Level = iota
	// LevelInfo is informational output
	LevelInfo
	// LevelWarning is a server or client warning (e.g. degraded data quality)
	LevelWarning
	// LevelError is an error reported mid-call
	LevelError
)

// String returns the string representation of the level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config-style level name ("debug", "info", "warning",
// "error") to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown diagnostic level %q", s)
	}
}

// SlogLevel maps a diagnostic level to its slog equivalent.
func (l Level) SlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Message is one diagnostic emitted by the native library during a call.
type Message struct {
	Level Level
	Text  string
}

// Sink receives diagnostic messages. Implementations must be safe for
// concurrent use and must not panic out of Receive.
type Sink interface {
	Receive(msg Message)
}

// Leveler is implemented by sinks that support minimum-level filtering.
type Leveler interface {
	SetMinLevel(level Level)
}

// guarded wraps a sink so that a panicking or failing destination can never
// propagate into the native call that produced the message. The message is
// degraded to the raw stderr fallback instead.
type guarded struct {
	inner Sink
}

// Guard returns a sink whose Receive never panics. A nil sink is replaced by
// the process-wide default.
func Guard(sink Sink) Sink {
	if sink == nil {
		sink = Default()
	}
	if _, ok := sink.(*guarded); ok {
		return sink
	}
	return &guarded{inner: sink}
}

func (g *guarded) Receive(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			fallback(msg)
			fmt.Fprintf(os.Stderr, "[dbstream ERROR] diagnostic sink panicked: %v\n", r)
		}
	}()
	g.inner.Receive(msg)
}

// SetMinLevel forwards to the wrapped sink when it supports level filtering.
func (g *guarded) SetMinLevel(level Level) {
	if l, ok := g.inner.(Leveler); ok {
		l.SetMinLevel(level)
	}
}

// fallback is the last-resort output path: a bare stderr write that cannot
// itself fail in a way we care about.
func fallback(msg Message) {
	fmt.Fprintf(os.Stderr, "[dbstream %s] %s\n", msg.Level, msg.Text)
}

var defaultSink atomic.Pointer[Sink]

// Default returns the process-wide default sink, used whenever a caller
// supplies none. It is a stderr sink unless overridden with SetDefault.
func Default() Sink {
	if s := defaultSink.Load(); s != nil {
		return *s
	}
	s := Sink(NewStderrSink())
	defaultSink.CompareAndSwap(nil, &s)
	return *defaultSink.Load()
}

// SetDefault replaces the process-wide default sink. A nil sink is ignored.
func SetDefault(sink Sink) {
	if sink == nil {
		return
	}
	defaultSink.Store(&sink)
}
