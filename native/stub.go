package native

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Alparse/dbstream/diag"
	"github.com/Alparse/dbstream/errors"
)

// Step is one scripted event inside a stub streaming call. Exactly one field
// should be set.
type Step struct {
	// Record delivers a record to the callback.
	Record *RecordSpec

	// Warning delivers a diagnostic message to the handle's sink.
	Warning *diag.Message

	// Delay pauses the call, simulating a driver waiting on the wire.
	Delay time.Duration
}

// RecordSpec describes a scripted record.
type RecordSpec struct {
	// Length is the number of payload bytes actually present.
	Length int

	// Declared overrides the self-declared length when non-zero. Setting it
	// above Length simulates a corrupt record whose header lies about its
	// size.
	Declared int

	// RType is the record type tag.
	RType uint8

	// Fill is the byte the payload is filled with (defaults to the record's
	// index, truncated).
	Fill byte
}

// Record returns a record step of the given length and type.
func Record(length int, rtype uint8) Step {
	return Step{Record: &RecordSpec{Length: length, RType: rtype}}
}

// Warning returns a warning step.
func Warning(text string) Step {
	return Step{Warning: &diag.Message{Level: diag.LevelWarning, Text: text}}
}

// Script is the behavior of one stub streaming call.
type Script struct {
	Steps []Step

	// Outcome is returned by StreamCall after the steps run (nil = Ok).
	Outcome error
}

// StubDriver is an in-memory Driver with scripted behavior, used throughout
// the bridge's tests in place of the real native library.
//
// The stub reuses a single scratch buffer for every callback invocation, the
// way the real library reuses its receive buffer: code that aliases the
// RawRecord instead of copying it will observe later records overwriting
// earlier ones.
type StubDriver struct {
	// OpenErr, when set, is returned by Open (wrapped as an InitError if it
	// is not one already).
	OpenErr error

	// Script is copied into each opened connection.
	Script Script

	mu    sync.Mutex
	conns []*StubConn
}

var _ Driver = (*StubDriver)(nil)

// Open validates the sink contract and returns a scripted connection.
func (d *StubDriver) Open(ctx context.Context, cfg ClientConfig, sink diag.Sink) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.NewInitError("diagnostic sink must not be nil", nil)
	}
	if d.OpenErr != nil {
		if errors.IsInitError(d.OpenErr) {
			return nil, d.OpenErr
		}
		return nil, errors.NewInitError("driver rejected configuration", d.OpenErr)
	}

	conn := &StubConn{
		cfg:    cfg,
		sink:   sink,
		script: d.Script,
	}

	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// Conns returns every connection opened so far.
func (d *StubDriver) Conns() []*StubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*StubConn, len(d.conns))
	copy(out, d.conns)
	return out
}

// StubConn is a connection produced by StubDriver.
type StubConn struct {
	cfg    ClientConfig
	sink   diag.Sink
	script Script

	closed     atomic.Bool
	closeCount atomic.Int64
	callCount  atomic.Int64

	// scratch is the reused callback buffer; see StubDriver.
	scratch []byte
}

var _ Conn = (*StubConn)(nil)

// Config returns the configuration the connection was opened with.
func (c *StubConn) Config() ClientConfig { return c.cfg }

// Closed reports whether Close has been called.
func (c *StubConn) Closed() bool { return c.closed.Load() }

// CloseCount returns how many times Close has been called.
func (c *StubConn) CloseCount() int64 { return c.closeCount.Load() }

// Calls returns how many streaming calls have been issued.
func (c *StubConn) Calls() int64 { return c.callCount.Load() }

// StreamCall plays the script on the calling goroutine.
func (c *StubConn) StreamCall(ctx context.Context, _ StreamRequest, onRecord RecordFunc) error {
	if c.closed.Load() {
		return errors.ErrHandleClosed
	}
	c.callCount.Add(1)

	for i, step := range c.script.Steps {
		if err := ctx.Err(); err != nil {
			return nil // protocol-level stop, reason tracked by the caller
		}

		switch {
		case step.Delay > 0:
			timer := time.NewTimer(step.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}

		case step.Warning != nil:
			c.sink.Receive(*step.Warning)

		case step.Record != nil:
			if c.deliver(i, *step.Record, onRecord) == Stop {
				return nil
			}
		}
	}

	return c.script.Outcome
}

func (c *StubConn) deliver(index int, spec RecordSpec, onRecord RecordFunc) Action {
	if cap(c.scratch) < spec.Length {
		c.scratch = make([]byte, spec.Length)
	}
	buf := c.scratch[:spec.Length]

	fill := spec.Fill
	if fill == 0 {
		fill = byte(index)
	}
	for i := range buf {
		buf[i] = fill
	}

	declared := spec.Declared
	if declared == 0 {
		declared = spec.Length
	}

	return onRecord(RawRecord{
		Data:   buf,
		Length: declared,
		RType:  spec.RType,
	})
}

// Close is idempotent.
func (c *StubConn) Close() error {
	c.closeCount.Add(1)
	c.closed.Store(true)
	return nil
}
