// Package native defines the contract this bridge consumes from the wrapped
// retrieval library: an opaque connection opened from validated client
// configuration, and a blocking streaming call that delivers records through
// a synchronous callback on the call's own goroutine.
//
// Everything behind this contract — dataset and symbol resolution, protocol
// handling, authentication — belongs to the driver. The bridge treats driver
// failures as data (see the errors package) and never assumes a RawRecord
// outlives the callback that exposed it.
package native

import (
	"context"
	"time"

	"github.com/Alparse/dbstream/diag"
)

// ClientConfig is the already-validated configuration for one client
// connection. The bridge forwards it opaquely to the driver.
type ClientConfig struct {
	Endpoint          string
	APIKey            string
	Dataset           string
	SendTSOut         bool
	HeartbeatInterval time.Duration
}

// StreamRequest holds caller-supplied parameters for one streaming call,
// forwarded opaquely to the driver. Cancellation travels separately, through
// the context given to StreamCall.
type StreamRequest struct {
	Dataset string
	Schema  string
	Symbols []string

	// Start enables intraday replay from the given time when non-zero.
	Start time.Time

	// Snapshot requests an initial snapshot before live data.
	Snapshot bool
}

// Action is the callback's instruction to the driver after each record.
type Action int

const (
	// Continue tells the driver to keep delivering records.
	Continue Action = iota
	// Stop tells the driver to end the call as soon as its protocol allows.
	// The call then returns without error; the reason for stopping is the
	// bridge's to track.
	Stop
)

// RawRecord is a view into driver-owned memory. It is valid only for the
// duration of the callback invocation that exposes it and must not be
// referenced, stored, or sliced after the callback returns.
//
// Length is the record's self-declared byte length. Drivers are required to
// report the true length here; Data may be shorter than Length only when the
// record is corrupt, which the bridge detects and refuses to copy.
type RawRecord struct {
	Data   []byte
	Length int
	RType  uint8
}

// RecordFunc is invoked synchronously by the driver for each record, on
// whatever goroutine the driver runs the call on.
type RecordFunc func(rec RawRecord) Action

// Driver opens connections to the wrapped retrieval library.
//
// Open must reject a nil sink: the wrapped library dereferences its
// diagnostic receiver unconditionally, and an absent receiver is the known
// root cause of unrecoverable faults. A failed Open never returns a usable
// Conn; the error is an *errors.InitError when the configuration was
// rejected.
type Driver interface {
	Open(ctx context.Context, cfg ClientConfig, sink diag.Sink) (Conn, error)
}

// Conn is one live instance of the external library's client object.
// It is not safe for concurrent streaming calls; the bridge serializes them.
type Conn interface {
	// StreamCall performs one blocking streaming call, invoking onRecord for
	// each record until the driver runs out of records, the callback returns
	// Stop, or ctx is canceled. A nil return is an ordinary completion; an
	// *errors.RemoteError is a structured per-call failure that leaves the
	// connection usable.
	StreamCall(ctx context.Context, req StreamRequest, onRecord RecordFunc) error

	// Close releases the native resources. It must be idempotent.
	Close() error
}
