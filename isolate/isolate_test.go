package isolate

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alparse/dbstream/diag"
	"github.com/Alparse/dbstream/errors"
	"github.com/Alparse/dbstream/native"
)

// startHost serves a Host around the given driver and returns a websocket URL
// for it.
func startHost(t *testing.T, inner native.Driver) string {
	t.Helper()
	srv := httptest.NewServer(NewHost(inner, nil))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDriver_RejectsNilSink(t *testing.T) {
	d := NewDriver(startHost(t, &native.StubDriver{}), nil)
	_, err := d.Open(context.Background(), native.ClientConfig{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInitError(err))
}

func TestDriver_OpenFailureCrossesBoundary(t *testing.T) {
	inner := &native.StubDriver{OpenErr: errors.NewInitError("api key rejected", nil)}
	d := NewDriver(startHost(t, inner), nil)

	_, err := d.Open(context.Background(), native.ClientConfig{}, diag.NewCollector())
	require.Error(t, err)
	assert.True(t, errors.IsInitError(err))
	assert.Contains(t, err.Error(), "api key rejected")
}

func TestDriver_DialFailureIsTransient(t *testing.T) {
	d := NewDriver("ws://127.0.0.1:1/native", nil)
	_, err := d.Open(context.Background(), native.ClientConfig{}, diag.NewCollector())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestProxy_StreamsRecordsInOrder(t *testing.T) {
	inner := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		native.Record(16, 0x01),
		native.Record(56, 0x02),
		native.Record(32, 0x01),
	}}}
	d := NewDriver(startHost(t, inner), nil)

	conn, err := d.Open(context.Background(), native.ClientConfig{Dataset: "GLBX.MDP3"}, diag.NewCollector())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	var sizes []int
	var rtypes []uint8
	err = conn.StreamCall(context.Background(), native.StreamRequest{Schema: "trades"}, func(raw native.RawRecord) native.Action {
		sizes = append(sizes, raw.Length)
		rtypes = append(rtypes, raw.RType)
		return native.Continue
	})
	require.NoError(t, err)
	assert.Equal(t, []int{16, 56, 32}, sizes)
	assert.Equal(t, []uint8{0x01, 0x02, 0x01}, rtypes)

	// The remote side received the connection config intact.
	inners := inner.Conns()
	require.Len(t, inners, 1)
	assert.Equal(t, "GLBX.MDP3", inners[0].Config().Dataset)
}

func TestProxy_PreservesDeclaredLengthOfCorruptRecords(t *testing.T) {
	inner := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		{Record: &native.RecordSpec{Length: 16, Declared: 1_000_000, RType: 0x05}},
	}}}
	d := NewDriver(startHost(t, inner), nil)

	conn, err := d.Open(context.Background(), native.ClientConfig{}, diag.NewCollector())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	var got native.RawRecord
	var data []byte
	err = conn.StreamCall(context.Background(), native.StreamRequest{}, func(raw native.RawRecord) native.Action {
		got = raw
		data = append([]byte(nil), raw.Data...)
		return native.Continue
	})
	require.NoError(t, err)

	// The lie in the header survives the wire so the bridge's validation
	// still sees it.
	assert.Equal(t, 1_000_000, got.Length)
	assert.Len(t, data, 16)
	assert.Equal(t, uint8(0x05), got.RType)
}

func TestProxy_ForwardsDiagnostics(t *testing.T) {
	collector := diag.NewCollector()
	inner := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		native.Record(8, 0x01),
		native.Warning("data gap detected"),
	}}}
	d := NewDriver(startHost(t, inner), nil)

	conn, err := d.Open(context.Background(), native.ClientConfig{}, collector)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.StreamCall(context.Background(), native.StreamRequest{}, func(native.RawRecord) native.Action {
		return native.Continue
	}))

	warnings := collector.ByLevel(diag.LevelWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, "data gap detected", warnings[0].Text)
}

func TestProxy_RemoteErrorCrossesBoundary(t *testing.T) {
	inner := &native.StubDriver{Script: native.Script{
		Outcome: errors.NewRemoteError(429, "rate limited"),
	}}
	d := NewDriver(startHost(t, inner), nil)

	conn, err := d.Open(context.Background(), native.ClientConfig{}, diag.NewCollector())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	err = conn.StreamCall(context.Background(), native.StreamRequest{}, func(native.RawRecord) native.Action {
		return native.Continue
	})
	require.Error(t, err)

	var re *errors.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 429, re.Code)
	assert.Equal(t, "rate limited", re.Message)
}

func TestProxy_StopFromCallback(t *testing.T) {
	inner := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		native.Record(8, 0x01),
		native.Record(8, 0x01),
		native.Record(8, 0x01),
	}}}
	d := NewDriver(startHost(t, inner), nil)

	conn, err := d.Open(context.Background(), native.ClientConfig{}, diag.NewCollector())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	delivered := 0
	err = conn.StreamCall(context.Background(), native.StreamRequest{}, func(native.RawRecord) native.Action {
		delivered++
		return native.Stop
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestProxy_CancelMidCall(t *testing.T) {
	inner := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		native.Record(8, 0x01),
		{Delay: time.Minute},
		native.Record(8, 0x01),
	}}}
	d := NewDriver(startHost(t, inner), nil)

	conn, err := d.Open(context.Background(), native.ClientConfig{}, diag.NewCollector())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	delivered := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.StreamCall(ctx, native.StreamRequest{}, func(native.RawRecord) native.Action {
			delivered++
			return native.Continue
		})
	}()

	require.Eventually(t, func() bool { return delivered >= 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("call did not unwind after cancellation")
	}
}

func TestProxy_HostDeathSurfacesAsLostConnection(t *testing.T) {
	inner := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		{Delay: time.Minute},
	}}}
	srv := httptest.NewServer(NewHost(inner, nil))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	d := NewDriver(url, nil)
	conn, err := d.Open(context.Background(), native.ClientConfig{}, diag.NewCollector())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.StreamCall(context.Background(), native.StreamRequest{}, func(native.RawRecord) native.Action {
			return native.Continue
		})
	}()

	time.Sleep(100 * time.Millisecond)
	srv.CloseClientConnections()
	srv.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.IsTransient(err))
		assert.ErrorIs(t, err, errors.ErrConnectionLost)
	case <-time.After(10 * time.Second):
		t.Fatal("call did not observe the dropped host")
	}
}

func TestProxy_SerializesCallsPerConn(t *testing.T) {
	inner := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		{Delay: time.Minute},
	}}}
	d := NewDriver(startHost(t, inner), nil)

	conn, err := d.Open(context.Background(), native.ClientConfig{}, diag.NewCollector())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = conn.StreamCall(ctx, native.StreamRequest{}, func(native.RawRecord) native.Action {
			return native.Continue
		})
	}()

	time.Sleep(50 * time.Millisecond)
	err = conn.StreamCall(context.Background(), native.StreamRequest{}, func(native.RawRecord) native.Action {
		return native.Continue
	})
	assert.ErrorIs(t, err, errors.ErrCallInFlight)
}
