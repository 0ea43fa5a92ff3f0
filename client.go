package dbstream

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Alparse/dbstream/config"
	"github.com/Alparse/dbstream/diag"
	"github.com/Alparse/dbstream/errors"
	"github.com/Alparse/dbstream/metric"
	"github.com/Alparse/dbstream/native"
	"github.com/Alparse/dbstream/pkg/retry"
)

// State is the connection state of a client handle.
type State int

const (
	// Disconnected means the handle holds no usable connection (closed or
	// never opened).
	Disconnected State = iota
	// Connected means the handle holds a live connection with no call in
	// flight.
	Connected
	// Streaming means a streaming call is in flight.
	Streaming
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Option configures a Client at open time.
type Option func(*Client)

// WithSink sets the diagnostic sink. The sink is wrapped so a panicking
// destination never reaches the native caller; a nil sink falls back to the
// process default, never to nothing.
func WithSink(sink diag.Sink) Option {
	return func(c *Client) { c.rawSink = sink }
}

// WithLogger sets the structured logger for bridge-side events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRegistry wires the client's metrics into a registry.
func WithRegistry(reg *metric.Registry) Option {
	return func(c *Client) { c.registry = reg }
}

// WithRetry overrides the backoff applied to transient open failures.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retryCfg = cfg }
}

// Client is one handle onto the wrapped retrieval library: a single native
// connection plus the bridging state around it. A handle supports at most
// one streaming call in flight; a second OpenStream fails with
// errors.ErrCallInFlight until the first stream reaches its outcome.
//
// All methods are safe for concurrent use. Records themselves flow through
// Stream.Next, not through the Client.
type Client struct {
	id     string
	cfg    *config.Config
	driver native.Driver
	logger *slog.Logger

	rawSink  diag.Sink
	sink     diag.Sink
	registry *metric.Registry
	metrics  recorder
	retryCfg retry.Config

	mu       sync.Mutex
	conn     native.Conn
	closed   bool
	inFlight *Stream
	callDone chan struct{}
}

// Open validates the configuration, opens a native connection, and returns a
// ready handle. Transient connection failures are retried with backoff;
// configuration rejections (*errors.InitError) are not. The handle's
// diagnostic sink is installed before the connection exists and is never nil.
func Open(ctx context.Context, driver native.Driver, cfg *config.Config, opts ...Option) (*Client, error) {
	if driver == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"Client", "Open", "native driver not provided")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		id:       uuid.NewString(),
		cfg:      cfg,
		driver:   driver,
		logger:   slog.Default(),
		retryCfg: retry.Quick(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "dbstream", "handle", c.id)
	c.metrics = newRecorder(c.registry)

	// The sink is mandatory: the wrapped library dereferences its receiver
	// unconditionally, so an absent sink becomes the process default here,
	// before any native code can run.
	inner := c.rawSink
	if inner == nil {
		inner = diag.Default()
	}
	c.sink = diag.Guard(&countingSink{inner: inner, rec: c.metrics})

	level, err := diag.ParseLevel(cfg.Diag.Level)
	if err == nil {
		c.SetDiagLevel(level)
	}

	nativeCfg := native.ClientConfig{
		Endpoint:          cfg.Native.Endpoint,
		APIKey:            cfg.Native.APIKey,
		Dataset:           cfg.Native.Dataset,
		SendTSOut:         cfg.Native.SendTSOut,
		HeartbeatInterval: cfg.Native.HeartbeatInterval.Std(),
	}

	conn, err := retry.DoWithResult(ctx, c.retryCfg, func() (native.Conn, error) {
		conn, openErr := c.driver.Open(ctx, nativeCfg, c.sink)
		if openErr != nil && !errors.IsTransient(openErr) {
			return nil, retry.NonRetryable(openErr)
		}
		return conn, openErr
	})
	if err != nil {
		c.metrics.handleOpened(false)
		c.logger.Error("native connection failed", "error", err)
		var ie *errors.InitError
		if stderrors.As(err, &ie) {
			return nil, ie
		}
		return nil, errors.WrapTransient(err, "Client", "Open",
			"failed to open native connection")
	}

	c.conn = conn
	c.metrics.handleOpened(true)
	c.logger.Info("handle opened",
		"endpoint", cfg.Native.Endpoint,
		"dataset", cfg.Native.Dataset)
	return c, nil
}

// ID returns the handle's unique identifier.
func (c *Client) ID() string { return c.id }

// State returns the handle's connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed || c.conn == nil:
		return Disconnected
	case c.inFlight != nil:
		return Streaming
	default:
		return Connected
	}
}

// SetDiagLevel adjusts the minimum diagnostic level forwarded by the handle's
// sink, when the sink supports filtering. Takes effect mid-call.
func (c *Client) SetDiagLevel(level diag.Level) {
	if l, ok := c.sink.(diag.Leveler); ok {
		l.SetMinLevel(level)
	}
}

// OpenStream starts one streaming call and returns the pull side of it.
// The call runs on its own goroutine; records arrive through Stream.Next.
// Fails with errors.ErrHandleClosed after Close and errors.ErrCallInFlight
// while another stream is active.
func (c *Client) OpenStream(ctx context.Context, req native.StreamRequest) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return nil, errors.ErrHandleClosed
	}
	if c.inFlight != nil {
		return nil, errors.ErrCallInFlight
	}

	callCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		id:        uuid.NewString(),
		client:    c,
		queue:     newCompletionQueue(c.cfg.Bridge.ChannelCapacity),
		cancel:    cancel,
		maxRecord: c.cfg.Bridge.MaxRecordSize,
		bpTimeout: c.cfg.Bridge.BackpressureTimeout.Std(),
		metrics:   c.metrics,
	}
	s.logger = c.logger.With("stream", s.id)

	done := make(chan struct{})
	c.inFlight = s
	c.callDone = done

	c.logger.Info("stream starting",
		"schema", req.Schema,
		"symbols", len(req.Symbols))

	go s.run(callCtx, c.conn, req, done)
	return s, nil
}

// streamFinished is called by the stream goroutine once the native call has
// returned, just before the outcome is published.
func (c *Client) streamFinished(s *Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight == s {
		c.inFlight = nil
		c.callDone = nil
	}
}

// Close releases the handle. It is idempotent, and it is safe while a call
// is in flight: the call is asked to stop first, waited on up to the
// configured stop timeout, and only then are the native resources released.
// In-flight streams observe errors.ErrStreamCanceled after their buffered
// records drain.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	inFlight := c.inFlight
	done := c.callDone
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	// Phase 1: ask any in-flight call to stop and give it time to unwind.
	// The native object must not be released under a live callback.
	if inFlight != nil {
		inFlight.cancel()
		if done != nil {
			timer := time.NewTimer(c.cfg.Bridge.StopTimeout.Std())
			select {
			case <-done:
				timer.Stop()
			case <-timer.C:
				c.logger.Warn("stop timeout expired with call still in flight",
					"timeout", c.cfg.Bridge.StopTimeout.Std())
			}
		}
	}

	// Phase 2: release the native resources.
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.metrics.handleClosed()
	if err != nil {
		c.logger.Error("native close failed", "error", err)
		return errors.WrapTransient(err, "Client", "Close",
			"failed to release native connection")
	}
	c.logger.Info("handle closed")
	return nil
}
