package dbstream

import (
	"time"

	"github.com/Alparse/dbstream/diag"
	"github.com/Alparse/dbstream/metric"
)

// recorder is a nil-safe front for the core bridge metrics so the client
// works unchanged when no registry is wired in.
type recorder struct {
	core *metric.Metrics
}

func newRecorder(reg *metric.Registry) recorder {
	if reg == nil {
		return recorder{}
	}
	return recorder{core: reg.Core}
}

func (r recorder) handleOpened(ok bool) {
	if r.core == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	r.core.HandleOpenTotal.WithLabelValues(status).Inc()
	if ok {
		r.core.HandlesOpen.Inc()
	}
}

func (r recorder) handleClosed() {
	if r.core == nil {
		return
	}
	r.core.HandlesOpen.Dec()
}

func (r recorder) record(size int) {
	if r.core == nil {
		return
	}
	r.core.RecordRecord(size)
}

func (r recorder) corrupt() {
	if r.core == nil {
		return
	}
	r.core.CorruptTotal.Inc()
}

func (r recorder) backpressure() {
	if r.core == nil {
		return
	}
	r.core.BackpressureT.Inc()
}

func (r recorder) streamDone(outcome string, elapsed time.Duration) {
	if r.core == nil {
		return
	}
	r.core.RecordStreamOutcome(outcome)
	r.core.RecordCallDuration(elapsed)
}

// countingSink forwards diagnostics to the real sink while counting them by
// level. It sits inside the Guard wrapper so a metrics problem could never
// reach the native caller anyway.
type countingSink struct {
	inner diag.Sink
	rec   recorder
}

func (s *countingSink) Receive(msg diag.Message) {
	if s.rec.core != nil {
		s.rec.core.RecordDiagnostic(msg.Level.String())
	}
	s.inner.Receive(msg)
}

// SetMinLevel forwards to the wrapped sink when it supports level filtering.
func (s *countingSink) SetMinLevel(level diag.Level) {
	if l, ok := s.inner.(diag.Leveler); ok {
		l.SetMinLevel(level)
	}
}
