package isolate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Alparse/dbstream/diag"
	"github.com/Alparse/dbstream/errors"
	"github.com/Alparse/dbstream/native"
)

// Host serves an inner native.Driver over websocket. It is the server half
// of the isolation boundary and is meant to run inside a dedicated process
// (see cmd/dbstream-host): when the wrapped library faults, that process
// dies and the connected Driver observes a dropped websocket.
//
// Each websocket connection owns at most one native connection and at most
// one streaming call at a time, matching the handle contract on the driver
// side.
type Host struct {
	inner    native.Driver
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHost creates a host around the real driver.
func NewHost(inner native.Driver, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		inner:  inner,
		logger: logger.With("component", "isolate.host"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// ServeHTTP upgrades the request and runs one proxy session until the peer
// disconnects.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s := &session{host: h, ws: ws, logger: h.logger.With("peer", r.RemoteAddr)}
	s.run(r.Context())
}

type session struct {
	host   *Host
	ws     *websocket.Conn
	logger *slog.Logger

	// writeMu serializes frame writes; gorilla permits one writer at a time
	// and records, diagnostics, and control replies come from different
	// goroutines.
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       native.Conn
	cancelCall context.CancelFunc
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx, g) })

	err := g.Wait()
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Warn("session ended", "error", err)
	}

	s.mu.Lock()
	if s.cancelCall != nil {
		s.cancelCall()
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Error("native close failed", "error", err)
		}
	}
	_ = s.ws.Close()
}

func (s *session) readLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		kind, frame, err := s.ws.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue // record frames only flow host -> driver
		}

		var msg controlMsg
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.Warn("malformed control frame", "error", err)
			continue
		}

		switch msg.Type {
		case msgOpen:
			s.handleOpen(ctx, msg.Config)
		case msgStream:
			s.handleStream(ctx, g, msg.Request)
		case msgStop:
			s.mu.Lock()
			if s.cancelCall != nil {
				s.cancelCall()
			}
			s.mu.Unlock()
		default:
			s.logger.Warn("unknown control message", "type", msg.Type)
		}
	}
}

func (s *session) handleOpen(ctx context.Context, cfg *wireConfig) {
	if cfg == nil {
		s.writeControl(controlMsg{Type: msgError, Error: &wireError{
			Kind: "init", Message: "open without config",
		}})
		return
	}

	s.mu.Lock()
	already := s.conn != nil
	s.mu.Unlock()
	if already {
		s.writeControl(controlMsg{Type: msgError, Error: &wireError{
			Kind: "init", Message: "connection already open on this session",
		}})
		return
	}

	conn, err := s.host.inner.Open(ctx, cfg.toNative(), &remoteSink{s: s})
	if err != nil {
		s.logger.Error("native open failed", "error", err)
		s.writeControl(controlMsg{Type: msgError, Error: toWireError(err)})
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.writeControl(controlMsg{Type: msgOpened})
}

func (s *session) handleStream(ctx context.Context, g *errgroup.Group, req *wireRequest) {
	s.mu.Lock()
	conn := s.conn
	busy := s.cancelCall != nil
	if conn == nil || busy || req == nil {
		s.mu.Unlock()
		reason := "no open connection"
		if busy {
			reason = errors.ErrCallInFlight.Error()
		}
		if req == nil {
			reason = "stream without request"
		}
		s.writeControl(controlMsg{Type: msgComplete, Error: &wireError{
			Kind: "other", Message: reason,
		}})
		return
	}
	callCtx, cancel := context.WithCancel(ctx)
	s.cancelCall = cancel
	s.mu.Unlock()

	nreq := req.toNative()
	g.Go(func() error {
		defer func() {
			cancel()
			s.mu.Lock()
			s.cancelCall = nil
			s.mu.Unlock()
		}()

		var frame []byte
		callErr := conn.StreamCall(callCtx, nreq, func(raw native.RawRecord) native.Action {
			frame = encodeRecord(frame, raw)
			if err := s.writeBinary(frame); err != nil {
				return native.Stop
			}
			return native.Continue
		})

		s.writeControl(controlMsg{Type: msgComplete, Error: toWireError(callErr)})
		return nil
	})
}

func (s *session) writeControl(msg controlMsg) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.WriteJSON(msg); err != nil {
		s.logger.Warn("control write failed", "type", msg.Type, "error", err)
	}
}

func (s *session) writeBinary(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// remoteSink forwards diagnostics from the native library back over the
// websocket. A lost peer degrades to the local fallback so the message is
// never silently dropped.
type remoteSink struct {
	s *session
}

var _ diag.Sink = (*remoteSink)(nil)

func (r *remoteSink) Receive(msg diag.Message) {
	r.s.writeMu.Lock()
	err := r.s.ws.WriteJSON(controlMsg{Type: msgDiag, Diag: diagToWire(msg)})
	r.s.writeMu.Unlock()
	if err != nil {
		diag.Default().Receive(msg)
	}
}
