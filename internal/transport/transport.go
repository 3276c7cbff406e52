// Package transport carries relay messages between a peer and the relay.
//
// A Conn is one ordered, reliable message channel. Listeners accept Conns
// over WebSocket, line-delimited TCP/TLS, or QUIC; every accepted Conn names
// the subscriber channel it wants to reach.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Type identifies the transport protocol.
type Type string

const (
	TypeWebSocket Type = "ws"
	TypeTCP       Type = "tcp"
	TypeQUIC      Type = "quic"
	TypePipe      Type = "pipe"
)

// Common errors.
var (
	ErrClosed          = errors.New("transport closed")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrMessageTooLarge = errors.New("message too large")
	ErrBadHandshake    = errors.New("bad handshake")
)

// Defaults shared by all listeners.
const (
	DefaultMaxMessageSize   = 1 << 20
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWebSocketPath    = "/relay"
)

// Conn is one accepted or dialed message connection.
type Conn interface {
	// Receive returns the next message in arrival order. It returns io.EOF
	// once the connection has been closed by either side.
	Receive(ctx context.Context) (string, error)

	// Send writes one message. Safe for concurrent use; messages from
	// concurrent senders are never interleaved.
	Send(ctx context.Context, msg string) error

	// Close terminates the connection. Idempotent.
	Close() error

	// Done is closed when the connection is gone.
	Done() <-chan struct{}

	// Channel is the subscriber channel requested by the peer.
	Channel() string

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string

	// Type returns the transport protocol.
	Type() Type
}

// Listener accepts incoming connections.
type Listener interface {
	// Accept waits for the next connection that completed its handshake.
	Accept(ctx context.Context) (Conn, error)

	// Addr returns the bound network address.
	Addr() net.Addr

	// Close stops the listener. Connections already accepted stay open.
	Close() error

	// Type returns the transport protocol.
	Type() Type
}

// ListenOptions configures a listener.
type ListenOptions struct {
	// TLSConfig is required unless PlainText is set. QUIC always needs it.
	TLSConfig *tls.Config

	// PlainText accepts connections without TLS (ws and tcp only).
	PlainText bool

	// Path is the WebSocket base path; the channel is the segment after it.
	Path string

	// MaxConnections caps concurrently open connections (0 = unlimited).
	MaxConnections int

	// MaxMessageSize caps a single message in bytes.
	MaxMessageSize int64

	// HandshakeTimeout bounds the hello exchange.
	HandshakeTimeout time.Duration

	// Auth checks the peer's token. Nil accepts everyone.
	Auth Authenticator

	// OnReject is called with a short reason when a connection fails its
	// handshake.
	OnReject func(reason string)

	// Logger for listener diagnostics.
	Logger *slog.Logger
}

func (o *ListenOptions) applyDefaults() {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.Path == "" {
		o.Path = DefaultWebSocketPath
	}
}

func (o *ListenOptions) reject(reason string) {
	if o.OnReject != nil {
		o.OnReject(reason)
	}
}

// DialOptions configures a client connection.
type DialOptions struct {
	// TLSConfig for wss, tls and quic. Nil dials plain ws/tcp.
	TLSConfig *tls.Config

	// Channel is the subscriber channel to join.
	Channel string

	// Token is presented to the listener's Authenticator.
	Token string

	// Timeout bounds dial plus handshake.
	Timeout time.Duration

	// MaxMessageSize caps a single received message.
	MaxMessageSize int64
}

// Listen creates a listener for the given transport type.
func Listen(typ Type, addr string, opts ListenOptions) (Listener, error) {
	switch typ {
	case TypeWebSocket:
		return ListenWebSocket(addr, opts)
	case TypeTCP:
		return ListenTCP(addr, opts)
	case TypeQUIC:
		return ListenQUIC(addr, opts)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", typ)
	}
}

// Dial connects to a listener of the given transport type. For WebSocket,
// addr is the full endpoint URL including the channel segment.
func Dial(ctx context.Context, typ Type, addr string, opts DialOptions) (Conn, error) {
	switch typ {
	case TypeWebSocket:
		return DialWebSocket(ctx, addr, opts)
	case TypeTCP:
		return DialTCP(ctx, addr, opts)
	case TypeQUIC:
		return DialQUIC(ctx, addr, opts)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", typ)
	}
}

// Accept retry delays, doubling from the minimum up to the cap.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// AcceptBackoff spaces out retries after consecutive accept errors.
// The zero value is ready to use.
type AcceptBackoff struct {
	delay time.Duration
}

// Next returns how long to wait before accepting again.
func (b *AcceptBackoff) Next() time.Duration {
	if b.delay == 0 {
		b.delay = minAcceptDelay
	} else {
		b.delay *= 2
	}
	if b.delay > maxAcceptDelay {
		b.delay = maxAcceptDelay
	}
	return b.delay
}

// Reset clears the delay after a successful accept.
func (b *AcceptBackoff) Reset() { b.delay = 0 }

// Wait sleeps for the next delay. It returns false if stop closes first.
func (b *AcceptBackoff) Wait(stop <-chan struct{}) bool {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}
