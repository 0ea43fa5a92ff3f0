package dbstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alparse/dbstream/config"
	"github.com/Alparse/dbstream/diag"
	"github.com/Alparse/dbstream/errors"
	"github.com/Alparse/dbstream/native"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Bridge.StopTimeout = config.Duration(2 * time.Second)
	return cfg
}

func openTestClient(t *testing.T, driver native.Driver, cfg *config.Config, opts ...Option) *Client {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	client, err := Open(context.Background(), driver, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// drain pulls records until the stream reaches its outcome.
func drain(t *testing.T, s *Stream) ([]Record, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var records []Record
	for {
		rec, err := s.Next(ctx)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

func TestStream_DeliversRecordsInOrder(t *testing.T) {
	driver := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		native.Record(16, 0x01),
		native.Record(56, 0x02),
		native.Record(32, 0x01),
	}}}
	client := openTestClient(t, driver, nil)

	stream, err := client.OpenStream(context.Background(), native.StreamRequest{Schema: "trades"})
	require.NoError(t, err)

	records, outcome := drain(t, stream)
	assert.ErrorIs(t, outcome, errors.ErrEndOfStream)
	require.Len(t, records, 3)

	assert.Equal(t, 16, records[0].Size())
	assert.Equal(t, 56, records[1].Size())
	assert.Equal(t, 32, records[2].Size())
	assert.Equal(t, uint8(0x02), records[1].RType)

	// The stub reuses one scratch buffer across callbacks and fills each
	// record with its step index; distinct contents prove every record was
	// copied before the buffer was overwritten.
	assert.Equal(t, byte(0), records[0].Data[0])
	assert.Equal(t, byte(1), records[1].Data[0])
	assert.Equal(t, byte(2), records[2].Data[0])

	// Outcome is stable
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, errors.ErrEndOfStream)
	assert.Equal(t, int64(3), stream.Received())
}

func TestStream_CorruptRecordYieldsNoRecords(t *testing.T) {
	driver := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		{Record: &native.RecordSpec{Length: 16, Declared: 1_000_000, RType: 0x05}},
		native.Record(16, 0x01), // must never be delivered
	}}}

	cfg := testConfig()
	cfg.Bridge.MaxRecordSize = 4096
	client := openTestClient(t, driver, cfg)

	stream, err := client.OpenStream(context.Background(), native.StreamRequest{})
	require.NoError(t, err)

	records, outcome := drain(t, stream)
	assert.Empty(t, records)
	assert.True(t, errors.IsCorruptRecord(outcome))

	var cre *errors.CorruptRecordError
	require.ErrorAs(t, outcome, &cre)
	assert.Equal(t, 1_000_000, cre.Declared)
	assert.Equal(t, 4096, cre.Max)
}

func TestStream_CorruptRecordPreservesEarlierRecords(t *testing.T) {
	driver := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		native.Record(24, 0x01),
		{Record: &native.RecordSpec{Length: 8, Declared: 100_000}},
	}}}
	client := openTestClient(t, driver, nil)

	stream, err := client.OpenStream(context.Background(), native.StreamRequest{})
	require.NoError(t, err)

	records, outcome := drain(t, stream)
	require.Len(t, records, 1)
	assert.Equal(t, 24, records[0].Size())
	assert.True(t, errors.IsCorruptRecord(outcome))
}

func TestStream_WarningRoutedToSink(t *testing.T) {
	collector := diag.NewCollector()
	driver := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		native.Record(16, 0x01),
		native.Warning("data gap detected"),
		native.Record(16, 0x01),
	}}}
	client := openTestClient(t, driver, nil, WithSink(collector))

	stream, err := client.OpenStream(context.Background(), native.StreamRequest{})
	require.NoError(t, err)

	records, outcome := drain(t, stream)
	assert.ErrorIs(t, outcome, errors.ErrEndOfStream)
	assert.Len(t, records, 2)

	warnings := collector.ByLevel(diag.LevelWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, "data gap detected", warnings[0].Text)
}

type panickingSink struct{}

func (panickingSink) Receive(diag.Message) { panic("sink exploded") }

func TestStream_PanickingSinkDoesNotAffectStream(t *testing.T) {
	driver := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		native.Record(16, 0x01),
		native.Warning("about to hurt the sink"),
		native.Record(16, 0x01),
	}}}
	client := openTestClient(t, driver, nil, WithSink(panickingSink{}))

	stream, err := client.OpenStream(context.Background(), native.StreamRequest{})
	require.NoError(t, err)

	records, outcome := drain(t, stream)
	assert.ErrorIs(t, outcome, errors.ErrEndOfStream)
	assert.Len(t, records, 2)
}

func TestStream_CancelMidStream(t *testing.T) {
	driver := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		native.Record(16, 0x01),
		{Delay: time.Minute},
		native.Record(16, 0x01),
	}}}
	client := openTestClient(t, driver, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := client.OpenStream(ctx, native.StreamRequest{})
	require.NoError(t, err)

	rec, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16, rec.Size())

	cancel()

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, errors.ErrStreamCanceled)
}

func TestStream_StopDeliversBufferedRecordsFirst(t *testing.T) {
	driver := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		native.Record(16, 0x01),
		{Delay: time.Minute},
		native.Record(16, 0x01),
	}}}
	client := openTestClient(t, driver, nil)

	stream, err := client.OpenStream(context.Background(), native.StreamRequest{})
	require.NoError(t, err)

	rec, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16, rec.Size())

	stream.Stop()
	stream.Stop() // idempotent

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, errors.ErrStreamCanceled)
}

func TestStream_BackpressureTimeoutCancelsStream(t *testing.T) {
	driver := &native.StubDriver{Script: native.Script{Steps: []native.Step{
		native.Record(16, 0x01),
		native.Record(16, 0x01),
		native.Record(16, 0x01),
	}}}

	cfg := testConfig()
	cfg.Bridge.ChannelCapacity = 1
	cfg.Bridge.BackpressureTimeout = config.Duration(50 * time.Millisecond)
	client := openTestClient(t, driver, cfg)

	stream, err := client.OpenStream(context.Background(), native.StreamRequest{})
	require.NoError(t, err)

	// Do not consume until the producer has given up: it must fail within
	// the timeout instead of blocking the native call goroutine forever.
	time.Sleep(300 * time.Millisecond)

	records, outcome := drain(t, stream)
	assert.ErrorIs(t, outcome, errors.ErrBackpressureTimeout)
	assert.NotEmpty(t, records)
	assert.Less(t, len(records), 3)
}

func TestStream_RemoteErrorLeavesHandleUsable(t *testing.T) {
	driver := &native.StubDriver{Script: native.Script{
		Steps:   []native.Step{native.Record(16, 0x01)},
		Outcome: errors.NewRemoteError(429, "rate limited"),
	}}
	client := openTestClient(t, driver, nil)

	stream, err := client.OpenStream(context.Background(), native.StreamRequest{})
	require.NoError(t, err)

	records, outcome := drain(t, stream)
	assert.Len(t, records, 1)
	assert.True(t, errors.IsRemoteError(outcome))

	var re *errors.RemoteError
	require.ErrorAs(t, outcome, &re)
	assert.Equal(t, 429, re.Code)

	// The failure was per-call; the handle accepts another stream.
	stream2, err := client.OpenStream(context.Background(), native.StreamRequest{})
	require.NoError(t, err)
	_, outcome = drain(t, stream2)
	assert.True(t, errors.IsRemoteError(outcome))
}
