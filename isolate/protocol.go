// Package isolate runs a native driver in a separate process and proxies it
// over a websocket, so that a fault inside the wrapped library costs the
// host process instead of the application embedding the bridge.
//
// Faults are not errors: a misbehaving native library corrupts its own
// process and cannot be caught from Go. The only real mitigation is a
// separate failure domain. Driver (this side) implements native.Driver
// against a remote Host (the other side); when the host dies mid-call the
// proxy surfaces an ordinary transient connection error and the application
// keeps running.
package isolate

import (
	"encoding/binary"
	stderrors "errors"
	"time"

	"github.com/Alparse/dbstream/diag"
	"github.com/Alparse/dbstream/errors"
	"github.com/Alparse/dbstream/native"
)

// Control message types. Records travel as binary frames, everything else as
// JSON control frames.
const (
	msgOpen     = "open"     // driver -> host: open the native connection
	msgOpened   = "opened"   // host -> driver: open succeeded
	msgStream   = "stream"   // driver -> host: start a streaming call
	msgStop     = "stop"     // driver -> host: stop the in-flight call
	msgDiag     = "diag"     // host -> driver: forwarded diagnostic
	msgComplete = "complete" // host -> driver: call finished
	msgError    = "error"    // host -> driver: open failed
)

// recordHeaderLen is the binary record frame prefix: 1 byte rtype plus a
// 4-byte big-endian self-declared length. The payload that follows carries
// the bytes the driver actually exposed, which the declared length may
// exceed only for corrupt records.
const recordHeaderLen = 5

type controlMsg struct {
	Type    string         `json:"type"`
	Config  *wireConfig    `json:"config,omitempty"`
	Request *wireRequest   `json:"request,omitempty"`
	Diag    *wireDiag      `json:"diag,omitempty"`
	Error   *wireError     `json:"error,omitempty"`
}

type wireConfig struct {
	Endpoint          string `json:"endpoint"`
	APIKey            string `json:"api_key"`
	Dataset           string `json:"dataset"`
	SendTSOut         bool   `json:"send_ts_out"`
	HeartbeatInterval string `json:"heartbeat_interval"`
}

type wireRequest struct {
	Dataset  string   `json:"dataset"`
	Schema   string   `json:"schema"`
	Symbols  []string `json:"symbols"`
	Start    string   `json:"start,omitempty"`
	Snapshot bool     `json:"snapshot"`
}

type wireDiag struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// wireError carries a call or open failure across the process boundary with
// enough structure to reconstruct the typed error on the driver side.
type wireError struct {
	Kind    string `json:"kind"` // "init", "remote", or "other"
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func toWireConfig(cfg native.ClientConfig) *wireConfig {
	return &wireConfig{
		Endpoint:          cfg.Endpoint,
		APIKey:            cfg.APIKey,
		Dataset:           cfg.Dataset,
		SendTSOut:         cfg.SendTSOut,
		HeartbeatInterval: cfg.HeartbeatInterval.String(),
	}
}

func (w *wireConfig) toNative() native.ClientConfig {
	hb, _ := time.ParseDuration(w.HeartbeatInterval)
	return native.ClientConfig{
		Endpoint:          w.Endpoint,
		APIKey:            w.APIKey,
		Dataset:           w.Dataset,
		SendTSOut:         w.SendTSOut,
		HeartbeatInterval: hb,
	}
}

func toWireRequest(req native.StreamRequest) *wireRequest {
	w := &wireRequest{
		Dataset:  req.Dataset,
		Schema:   req.Schema,
		Symbols:  req.Symbols,
		Snapshot: req.Snapshot,
	}
	if !req.Start.IsZero() {
		w.Start = req.Start.Format(time.RFC3339Nano)
	}
	return w
}

func (w *wireRequest) toNative() native.StreamRequest {
	req := native.StreamRequest{
		Dataset:  w.Dataset,
		Schema:   w.Schema,
		Symbols:  w.Symbols,
		Snapshot: w.Snapshot,
	}
	if w.Start != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.Start); err == nil {
			req.Start = t
		}
	}
	return req
}

func toWireError(err error) *wireError {
	if err == nil {
		return nil
	}
	var ie *errors.InitError
	if stderrors.As(err, &ie) {
		return &wireError{Kind: "init", Message: ie.Reason}
	}
	var re *errors.RemoteError
	if stderrors.As(err, &re) {
		return &wireError{Kind: "remote", Code: re.Code, Message: re.Message}
	}
	return &wireError{Kind: "other", Message: err.Error()}
}

func (w *wireError) toError() error {
	if w == nil {
		return nil
	}
	switch w.Kind {
	case "init":
		return errors.NewInitError(w.Message, nil)
	case "remote":
		return errors.NewRemoteError(w.Code, w.Message)
	default:
		return errors.WrapTransient(
			errors.ErrConnectionLost, "isolate", "call", w.Message)
	}
}

// encodeRecord builds a binary record frame, reusing buf when it is large
// enough.
func encodeRecord(buf []byte, raw native.RawRecord) []byte {
	n := recordHeaderLen + len(raw.Data)
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	buf[0] = raw.RType
	binary.BigEndian.PutUint32(buf[1:recordHeaderLen], uint32(raw.Length))
	copy(buf[recordHeaderLen:], raw.Data)
	return buf
}

// decodeRecord views a binary record frame as a RawRecord. The returned
// record aliases frame and carries the same callback-lifetime restriction as
// a record from an in-process driver.
func decodeRecord(frame []byte) (native.RawRecord, bool) {
	if len(frame) < recordHeaderLen {
		return native.RawRecord{}, false
	}
	return native.RawRecord{
		RType:  frame[0],
		Length: int(binary.BigEndian.Uint32(frame[1:recordHeaderLen])),
		Data:   frame[recordHeaderLen:],
	}, true
}

func diagToWire(msg diag.Message) *wireDiag {
	return &wireDiag{Level: int(msg.Level), Text: msg.Text}
}

func (w *wireDiag) toMessage() diag.Message {
	return diag.Message{Level: diag.Level(w.Level), Text: w.Text}
}
