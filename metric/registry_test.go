package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alparse/dbstream/errors"
)

func TestNewRegistry_PreRegistersCoreMetrics(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.Core)

	r.Core.RecordRecord(56)
	r.Core.RecordStreamOutcome("ok")
	r.Core.RecordCallDuration(120 * time.Millisecond)
	r.Core.RecordDiagnostic("WARNING")

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["dbstream_stream_records_total"])
	assert.True(t, names["dbstream_stream_bytes_total"])
	assert.True(t, names["dbstream_stream_completed_total"])
	assert.True(t, names["dbstream_diag_messages_total"])
	assert.True(t, names["go_goroutines"], "Go runtime collectors should be registered")
}

func TestRegistry_RejectsDuplicateRegistration(t *testing.T) {
	r := NewRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "isolate_sessions_total"})
	require.NoError(t, r.RegisterCounter("isolate", "sessions", c1))

	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "isolate_sessions_total_2"})
	err := r.RegisterCounter("isolate", "sessions", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "isolate_sessions_open"})
	require.NoError(t, r.RegisterGauge("isolate", "open", g))

	assert.True(t, r.Unregister("isolate", "open"))
	assert.False(t, r.Unregister("isolate", "open"))

	// Slot is free again after unregistration
	require.NoError(t, r.RegisterGauge("isolate", "open", g))
}

func TestServer_Address(t *testing.T) {
	s := NewServer(0, "", NewRegistry())
	assert.Equal(t, "http://localhost:9090/metrics", s.Address())

	s = NewServer(9191, "/m", NewRegistry())
	assert.Equal(t, "http://localhost:9191/m", s.Address())
}

func TestServer_StopWithoutStart(t *testing.T) {
	s := NewServer(9090, "/metrics", NewRegistry())
	assert.NoError(t, s.Stop())
}
