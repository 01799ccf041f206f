// Package transport maintains the single persistent websocket channel
// between the intercom endpoint and its peer.
//
// The [Client] dials a fixed URL and retries with a fixed delay, forever,
// until it connects. On every successful connect it sends one greeting and a
// ping. Inbound messages are queued for the control loop to dispatch; text is
// logged, binary is handed to playback. Outbound sends made while not
// connected fail with [ErrNotConnected] and are dropped, never queued.
package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
)

// ConnectionState is owned by the [Client] and observed by everyone else.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

// String returns the human-readable name of the state.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by sends made while the channel is down.
var ErrNotConnected = errors.New("transport: not connected")

// Message is one inbound frame.
type Message struct {
	Type websocket.MessageType
	Data []byte
}

// IsText reports whether the message is a text frame.
func (m Message) IsText() bool { return m.Type == websocket.MessageText }

// Conn is the subset of [*websocket.Conn] the client relies on. Write, Ping
// and Close may be called concurrently with one Read.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a [Conn] to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial implements [Dialer].
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// defaultReadLimit allows a few seconds of 16 kHz audio in one payload;
// the websocket library default of 32 KiB is one second.
const defaultReadLimit = 1 << 20

// WebsocketDialer dials with github.com/coder/websocket.
type WebsocketDialer struct {
	// HTTPHeader is sent with the upgrade request. May be nil.
	HTTPHeader http.Header

	// ReadLimit caps the size of one inbound message in bytes.
	// Defaults to 1 MiB if zero.
	ReadLimit int64
}

// Dial implements [Dialer].
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: d.HTTPHeader,
	})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return conn, nil
}
