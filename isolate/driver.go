package isolate

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/Alparse/dbstream/diag"
	"github.com/Alparse/dbstream/errors"
	"github.com/Alparse/dbstream/native"
)

// Driver is a native.Driver whose connections live in a remote Host process.
// It satisfies the same contract as an in-process driver; the bridge on top
// of it cannot tell the difference, except that a native fault now surfaces
// as a transient connection error instead of taking the process down.
type Driver struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

var _ native.Driver = (*Driver)(nil)

// NewDriver creates a proxy driver connecting to a host at url
// (e.g. "ws://127.0.0.1:7171/native").
func NewDriver(url string, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: logger.With("component", "isolate.driver"),
	}
}

// Open dials the host and opens the remote native connection. The sink
// contract is enforced here, before anything crosses the process boundary.
func (d *Driver) Open(ctx context.Context, cfg native.ClientConfig, sink diag.Sink) (native.Conn, error) {
	if sink == nil {
		return nil, errors.NewInitError("diagnostic sink must not be nil", nil)
	}

	ws, _, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "Driver", "Open",
			"failed to dial isolation host")
	}

	c := &proxyConn{ws: ws, sink: sink, logger: d.logger}
	if err := c.writeControl(controlMsg{Type: msgOpen, Config: toWireConfig(cfg)}); err != nil {
		_ = ws.Close()
		return nil, errors.WrapTransient(err, "Driver", "Open",
			"failed to send open request")
	}

	// Diagnostics may arrive before the open reply; everything else is a
	// protocol violation.
	for {
		msg, err := c.readControl(ctx)
		if err != nil {
			_ = ws.Close()
			return nil, errors.WrapTransient(err, "Driver", "Open",
				"host disconnected during open")
		}
		switch msg.Type {
		case msgDiag:
			if msg.Diag != nil {
				sink.Receive(msg.Diag.toMessage())
			}
		case msgOpened:
			return c, nil
		case msgError:
			_ = ws.Close()
			if msg.Error == nil {
				return nil, errors.NewInitError("host rejected open", nil)
			}
			return nil, msg.Error.toError()
		default:
			_ = ws.Close()
			return nil, errors.WrapTransient(errors.ErrConnectionLost,
				"Driver", "Open", "unexpected reply "+msg.Type)
		}
	}
}

// proxyConn is the client half of one host session.
type proxyConn struct {
	ws     *websocket.Conn
	sink   diag.Sink
	logger *slog.Logger

	writeMu sync.Mutex
	inCall  atomic.Bool
	closed  atomic.Bool
}

var _ native.Conn = (*proxyConn)(nil)

// StreamCall proxies one blocking streaming call. Record frames are decoded
// into RawRecords that alias the read buffer, preserving the
// callback-lifetime contract end to end.
func (c *proxyConn) StreamCall(ctx context.Context, req native.StreamRequest, onRecord native.RecordFunc) error {
	if c.closed.Load() {
		return errors.ErrHandleClosed
	}
	if !c.inCall.CompareAndSwap(false, true) {
		return errors.ErrCallInFlight
	}
	defer c.inCall.Store(false)

	if err := c.writeControl(controlMsg{Type: msgStream, Request: toWireRequest(req)}); err != nil {
		return errors.WrapTransient(err, "proxyConn", "StreamCall",
			"failed to send stream request")
	}

	// Relay cancellation as a stop request; the host ends the call and
	// still sends the completion frame.
	stopRelay := make(chan struct{})
	defer close(stopRelay)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.writeControl(controlMsg{Type: msgStop})
		case <-stopRelay:
		}
	}()

	stopSent := false
	for {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			// The host process died mid-call; from this side that is a
			// dropped connection, not a fault.
			return errors.WrapTransient(errors.ErrConnectionLost,
				"proxyConn", "StreamCall", "host disconnected mid-call")
		}

		switch kind {
		case websocket.BinaryMessage:
			raw, ok := decodeRecord(frame)
			if !ok {
				continue
			}
			if stopSent {
				continue // drain records queued before the host saw the stop
			}
			if onRecord(raw) == native.Stop {
				stopSent = true
				_ = c.writeControl(controlMsg{Type: msgStop})
			}

		case websocket.TextMessage:
			var msg controlMsg
			if err := json.Unmarshal(frame, &msg); err != nil {
				c.logger.Warn("malformed control frame", "error", err)
				continue
			}
			switch msg.Type {
			case msgDiag:
				if msg.Diag != nil {
					c.sink.Receive(msg.Diag.toMessage())
				}
			case msgComplete:
				if stopSent || ctx.Err() != nil {
					return nil
				}
				return msg.Error.toError()
			}
		}
	}
}

// Close tears down the session; the host closes the remote native
// connection when the websocket drops. Idempotent.
func (c *proxyConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *proxyConn) writeControl(msg controlMsg) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// readControl reads the next text frame, skipping nothing. Used only during
// open, before record frames can flow.
func (c *proxyConn) readControl(ctx context.Context) (controlMsg, error) {
	if err := ctx.Err(); err != nil {
		return controlMsg{}, err
	}
	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		return controlMsg{}, err
	}
	var msg controlMsg
	if err := json.Unmarshal(frame, &msg); err != nil {
		return controlMsg{}, err
	}
	return msg, nil
}
