package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/sw4796/makerton-esp32-aiagent/internal/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Default client parameters.
const (
	DefaultGreeting         = "Hello Server"
	defaultRetryDelay       = 2 * time.Second
	defaultLivenessInterval = 5 * time.Second
	defaultWriteTimeout     = 2 * time.Second
	defaultInboundBuffer    = 32
)

// Config configures a [Client].
type Config struct {
	// URL of the peer endpoint, e.g. ws://host:8888/device. Required.
	URL string

	// Dialer opens connections. Defaults to [WebsocketDialer].
	Dialer Dialer

	// RetryDelay is the fixed wait between failed connect attempts.
	// Defaults to 2s if zero.
	RetryDelay time.Duration

	// LivenessInterval is how often [Client.Run] pings the peer.
	// Defaults to 5s if zero.
	LivenessInterval time.Duration

	// WriteTimeout bounds every send and ping. Defaults to 2s if zero.
	WriteTimeout time.Duration

	// Greeting is sent once per successful connect. Defaults to "Hello Server".
	Greeting string

	// InboundBuffer is the capacity of the inbound queue. While it is full
	// the reader stops reading, which holds the peer back. Defaults to 32 if
	// zero.
	InboundBuffer int

	// OnText handles inbound text. Defaults to logging the message.
	OnText func(ctx context.Context, msg string)

	// OnBinary handles inbound binary payloads. May be nil (payloads are
	// then discarded).
	OnBinary func(ctx context.Context, payload []byte)

	// Metrics receives transport counters. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Client is the endpoint side of the persistent channel.
//
// All methods are safe for concurrent use.
type Client struct {
	url       string
	dialer    Dialer
	retry     time.Duration
	liveness  time.Duration
	writeTO   time.Duration
	greeting  string
	onText    func(context.Context, string)
	onBinary  func(context.Context, []byte)
	metrics   *observe.Metrics
	inbound   chan Message
	lost      chan struct{} // signalled when the reader sees the connection die
	attempts  atomic.Int64
	greetings atomic.Int64
	state     atomic.Int32
	handling  atomic.Int32 // Dispatch calls in progress
	dialing   sync.Mutex   // serialises connect sequences

	mu   sync.Mutex
	conn Conn
}

// New creates a [Client]. It does not connect; call [Client.Connect] or
// [Client.Run].
func New(cfg Config) *Client {
	c := &Client{
		url:      cfg.URL,
		dialer:   cfg.Dialer,
		retry:    cfg.RetryDelay,
		liveness: cfg.LivenessInterval,
		writeTO:  cfg.WriteTimeout,
		greeting: cfg.Greeting,
		onText:   cfg.OnText,
		onBinary: cfg.OnBinary,
		metrics:  cfg.Metrics,
		lost:     make(chan struct{}, 1),
	}
	if c.dialer == nil {
		c.dialer = WebsocketDialer{}
	}
	if c.retry <= 0 {
		c.retry = defaultRetryDelay
	}
	if c.liveness <= 0 {
		c.liveness = defaultLivenessInterval
	}
	if c.writeTO <= 0 {
		c.writeTO = defaultWriteTimeout
	}
	if c.greeting == "" {
		c.greeting = DefaultGreeting
	}
	buf := cfg.InboundBuffer
	if buf <= 0 {
		buf = defaultInboundBuffer
	}
	c.inbound = make(chan Message, buf)
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnectionState { return ConnectionState(c.state.Load()) }

// Connected reports whether State is [Connected].
func (c *Client) Connected() bool { return c.State() == Connected }

// Attempts returns the total number of dial attempts made so far.
func (c *Client) Attempts() int64 { return c.attempts.Load() }

// Inbound returns the queue of received messages. The control loop drains
// it and passes each message to [Client.Dispatch].
func (c *Client) Inbound() <-chan Message { return c.inbound }

func (c *Client) setState(ctx context.Context, s ConnectionState) {
	prev := ConnectionState(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	if s == Connected {
		c.metrics.Connected.Add(ctx, 1)
	} else if prev == Connected {
		c.metrics.Connected.Add(ctx, -1)
	}
}

// Connect runs the connect sequence: dial, start reading, greet, ping. On
// failure it waits RetryDelay and tries again, indefinitely, until it
// succeeds or ctx is done. ctx also bounds the lifetime of the connection's
// reader. If a connection is already up Connect returns immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.dialing.Lock()
	defer c.dialing.Unlock()

	if c.Connected() {
		return nil
	}
	for {
		attempt := c.attempts.Add(1)
		err := c.connectOnce(ctx, attempt)
		if err == nil {
			return nil
		}
		c.setState(ctx, Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		observe.Logger(ctx).Warn("transport: connect failed, retrying",
			"url", c.url, "attempt", attempt, "retry_in", c.retry, "err", err)

		t := time.NewTimer(c.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) connectOnce(ctx context.Context, attempt int64) (err error) {
	c.setState(ctx, Connecting)
	spanCtx, span := observe.StartSpan(ctx, "transport.connect",
		trace.WithAttributes(attribute.Int64("attempt", attempt)))
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordConnectAttempt(ctx, status)
		observe.EndSpan(span, err)
	}()

	dialCtx, cancel := context.WithTimeout(spanCtx, c.writeTO)
	conn, err := c.dialer.Dial(dialCtx, c.url)
	cancel()
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	// Pongs are only observed by an active reader, so it must run before
	// the liveness probe.
	go c.readLoop(ctx, conn)

	wctx, cancel := context.WithTimeout(spanCtx, c.writeTO)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, []byte(c.greeting)); err != nil {
		c.drop(ctx, conn, err)
		return fmt.Errorf("transport: greeting: %w", err)
	}
	c.greetings.Add(1)
	c.metrics.RecordSend(ctx, "text", "ok")
	if err := conn.Ping(wctx); err != nil {
		c.drop(ctx, conn, err)
		return fmt.Errorf("transport: ping: %w", err)
	}
	c.metrics.RecordSend(ctx, "ping", "ok")

	// The reader may have lost the connection between the ping and here.
	c.mu.Lock()
	alive := c.conn == conn
	if alive {
		c.setState(ctx, Connected)
	}
	c.mu.Unlock()
	if !alive {
		return errors.New("transport: connection closed during handshake")
	}
	observe.Logger(ctx).Info("transport: connected", "url", c.url, "attempt", attempt)
	return nil
}

// Greetings returns how many greetings have been sent across all connects.
func (c *Client) Greetings() int64 { return c.greetings.Load() }

func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.drop(ctx, conn, err)
			return
		}
		kind := "binary"
		if typ == websocket.MessageText {
			kind = "text"
		}
		select {
		case c.inbound <- Message{Type: typ, Data: data}:
			c.metrics.RecordReceive(ctx, kind, "ok")
		case <-ctx.Done():
			return
		}
	}
}

// busy reports whether inbound work is backing up: a handler is running or
// the queue is full. The reader is then parked and cannot observe pongs.
func (c *Client) busy() bool {
	return c.handling.Load() > 0 || len(c.inbound) == cap(c.inbound)
}

// drop forgets conn if it is still the current connection, closes it and
// wakes the supervisor. Stale connections are only closed.
func (c *Client) drop(ctx context.Context, conn Conn, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.setState(ctx, Disconnected)
	}
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusGoingAway, "connection lost")
	if !current {
		return
	}
	if ctx.Err() == nil {
		observe.Logger(ctx).Warn("transport: connection lost", "url", c.url, "err", cause)
	}
	select {
	case c.lost <- struct{}{}:
	default:
	}
}

// CheckLiveness pings the peer. It returns false, and marks the channel
// down, if there is no connection or the ping fails.
//
// While inbound messages are still being handled the reader is parked, so
// no pong can arrive. The ping is skipped then, and a ping that times out
// because the queue filled up meanwhile is not treated as a failure.
func (c *Client) CheckLiveness(ctx context.Context) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.Connected() {
		return false
	}
	if c.busy() {
		observe.Logger(ctx).Debug("transport: inbound backlog, skipping liveness ping",
			"queued", len(c.inbound))
		return true
	}
	pctx, cancel := context.WithTimeout(ctx, c.writeTO)
	defer cancel()
	if err := conn.Ping(pctx); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && c.busy() {
			observe.Logger(ctx).Debug("transport: ping timed out behind inbound backlog",
				"queued", len(c.inbound))
			return true
		}
		c.metrics.RecordSend(ctx, "ping", "error")
		c.drop(ctx, conn, fmt.Errorf("transport: liveness ping: %w", err))
		return false
	}
	c.metrics.RecordSend(ctx, "ping", "ok")
	return true
}

// Run connects and then supervises the channel until ctx is done: every
// LivenessInterval, or as soon as the reader reports a lost connection, it
// checks liveness and re-runs the connect sequence if the channel is down.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(c.liveness)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.lost:
		case <-ticker.C:
		}
		if c.CheckLiveness(ctx) {
			continue
		}
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}
}

// SendText sends a text frame. It fails with [ErrNotConnected] while the
// channel is down; the message is dropped.
func (c *Client) SendText(ctx context.Context, msg string) error {
	return c.send(ctx, websocket.MessageText, []byte(msg), "text")
}

// SendBinary sends a binary frame. It fails with [ErrNotConnected] while the
// channel is down; the payload is dropped.
func (c *Client) SendBinary(ctx context.Context, payload []byte) error {
	return c.send(ctx, websocket.MessageBinary, payload, "binary")
}

func (c *Client) send(ctx context.Context, typ websocket.MessageType, data []byte, kind string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.Connected() {
		c.metrics.RecordSend(ctx, kind, "dropped")
		observe.Logger(ctx).Debug("transport: not connected, dropping message",
			"kind", kind, "bytes", len(data), "state", c.State().String())
		return ErrNotConnected
	}
	wctx, cancel := context.WithTimeout(ctx, c.writeTO)
	defer cancel()
	if err := conn.Write(wctx, typ, data); err != nil {
		c.metrics.RecordSend(ctx, kind, "error")
		c.drop(ctx, conn, err)
		return fmt.Errorf("transport: send %s: %w", kind, err)
	}
	c.metrics.RecordSend(ctx, kind, "ok")
	return nil
}

// Dispatch routes one inbound message: text to the text handler, binary to
// the binary handler.
func (c *Client) Dispatch(ctx context.Context, msg Message) {
	c.handling.Add(1)
	defer c.handling.Add(-1)
	if msg.IsText() {
		if c.onText != nil {
			c.onText(ctx, string(msg.Data))
			return
		}
		observe.Logger(ctx).Info("transport: peer message", "text", string(msg.Data))
		return
	}
	if c.onBinary != nil {
		c.onBinary(ctx, msg.Data)
	}
}

// Close shuts the current connection down with a normal closure. The client
// may be reconnected afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.setState(context.Background(), Disconnected)
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "endpoint shutting down")
}
