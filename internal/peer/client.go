// Package peer implements the peer side of a tunnel channel: announcing
// tunnels to a relay, opening clients on them and exchanging bytes.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/tunnel-relay/internal/logging"
	"github.com/postalsys/tunnel-relay/internal/protocol"
	"github.com/postalsys/tunnel-relay/internal/recovery"
	"github.com/postalsys/tunnel-relay/internal/transport"
)

// ConnectionState represents the state of a relay connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Errors returned by Client, Tunnel and Stream.
var (
	ErrClientClosed   = errors.New("peer client closed")
	ErrConnectionLost = errors.New("relay connection lost")
	ErrTunnelExists   = errors.New("tunnel already open")
	ErrTunnelClosed   = errors.New("tunnel closed")
	ErrStreamExists   = errors.New("client id already in use")
	ErrStreamClosed   = errors.New("stream closed")
)

// RemoteError is an error reported by the relay for one client.
type RemoteError struct {
	TunnelID string
	ClientID string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("relay error for %s/%s: %s", e.TunnelID, e.ClientID, e.Message)
}

// Defaults.
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultChunkSize    = 32 * 1024
)

// Config configures a Client.
type Config struct {
	// WriteTimeout bounds a single outbound message.
	WriteTimeout time.Duration

	// ChunkSize caps the payload of one data message.
	ChunkSize int

	// OnDisconnect is called once when the connection ends.
	OnDisconnect func(*Client, error)

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
}

// Client is one peer connection to a relay channel.
type Client struct {
	conn   transport.Conn
	cfg    Config
	logger *slog.Logger

	state        atomic.Int32
	lastActivity atomic.Int64

	mu      sync.Mutex
	tunnels map[string]*Tunnel

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	err       error
}

// NewClient wraps an established connection and starts reading from it.
func NewClient(conn transport.Conn, cfg Config) *Client {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		conn:    conn,
		cfg:     cfg,
		logger:  cfg.Logger.With(logging.KeyChannel, conn.Channel(), logging.KeyRemoteAddr, conn.RemoteAddr()),
		tunnels: make(map[string]*Tunnel),
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	c.state.Store(int32(StateConnected))
	c.touch()

	go c.readLoop()
	return c
}

// Dial connects to a relay and returns a ready Client.
func Dial(ctx context.Context, typ transport.Type, addr string, opts transport.DialOptions, cfg Config) (*Client, error) {
	conn, err := transport.Dial(ctx, typ, addr, opts)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, cfg), nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Conn returns the underlying transport connection.
func (c *Client) Conn() transport.Conn { return c.conn }

// LastActivity returns the time the last message was received.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.closed:
		return c.err
	default:
		return nil
	}
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// OpenTunnel announces a tunnel forwarding to remotePort on the relay host.
func (c *Client) OpenTunnel(ctx context.Context, tunnelID string, remotePort int) (*Tunnel, error) {
	t := &Tunnel{
		client:  c,
		id:      tunnelID,
		port:    remotePort,
		streams: make(map[string]*Stream),
	}

	c.mu.Lock()
	if c.State() == StateDisconnected {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if _, ok := c.tunnels[tunnelID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTunnelExists, tunnelID)
	}
	c.tunnels[tunnelID] = t
	c.mu.Unlock()

	err := c.send(ctx, &protocol.Envelope{
		Event:      protocol.EventProxyCreated,
		TunnelID:   tunnelID,
		RemotePort: protocol.Port(remotePort),
	})
	if err != nil {
		c.forget(t)
		return nil, err
	}

	c.logger.Debug("tunnel announced",
		logging.KeyTunnelID, tunnelID,
		logging.KeyRemotePort, remotePort)
	return t, nil
}

// Tunnel returns an open tunnel by id.
func (c *Client) Tunnel(id string) (*Tunnel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tunnels[id]
	return t, ok
}

// TunnelIDs returns the ids of open tunnels, sorted.
func (c *Client) TunnelIDs() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.tunnels))
	for id := range c.tunnels {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (c *Client) forget(t *Tunnel) {
	c.mu.Lock()
	if c.tunnels[t.id] == t {
		delete(c.tunnels, t.id)
	}
	c.mu.Unlock()
}

func (c *Client) send(ctx context.Context, env *protocol.Envelope) error {
	if c.State() == StateDisconnected {
		return ErrClientClosed
	}
	msg, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := c.conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", env.Event, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer recovery.RecoverWithLog(c.logger, "peer.Client.readLoop")

	for {
		raw, err := c.conn.Receive(c.ctx)
		if err != nil {
			c.shutdown(err)
			return
		}
		c.touch()

		var env protocol.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			c.logger.Debug("undecodable message from relay", logging.KeyError, err)
			continue
		}
		c.deliver(&env)
	}
}

// deliver routes an outbound relay message to its stream.
func (c *Client) deliver(env *protocol.Envelope) {
	t, ok := c.Tunnel(env.TunnelID)
	if !ok {
		c.logger.Debug("message for unknown tunnel",
			logging.KeyTunnelID, env.TunnelID,
			logging.KeyEvent, env.Event)
		return
	}
	s, ok := t.stream(env.ClientID)
	if !ok {
		return
	}

	switch env.Event {
	case protocol.EventData:
		s.push(env.Arg)
	case protocol.EventEnd:
		s.finish(io.EOF)
	case protocol.EventError:
		s.finish(&RemoteError{TunnelID: env.TunnelID, ClientID: env.ClientID, Message: env.Error})
	case protocol.EventClose:
		s.finish(io.EOF)
		s.markRemoteClosed()
		t.forget(s)
	default:
		c.logger.Debug("unexpected event from relay", logging.KeyEvent, env.Event)
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))
		switch {
		case cause == nil || errors.Is(cause, context.Canceled):
			cause = ErrClientClosed
		case errors.Is(cause, io.EOF):
			cause = ErrConnectionLost
		}
		c.err = cause

		c.mu.Lock()
		tunnels := c.tunnels
		c.tunnels = make(map[string]*Tunnel)
		c.mu.Unlock()
		for _, t := range tunnels {
			t.abort(cause)
		}

		c.cancel()
		c.conn.Close()
		close(c.closed)

		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect(c, cause)
		}
	})
}

// Close ends the connection. The relay closes every tunnel it carried.
func (c *Client) Close() error {
	c.shutdown(ErrClientClosed)
	return nil
}

// Tunnel is one announced tunnel on a Client.
type Tunnel struct {
	client *Client
	id     string
	port   int

	mu      sync.Mutex
	streams map[string]*Stream
	closed  bool
}

// ID returns the tunnel identifier.
func (t *Tunnel) ID() string { return t.id }

// RemotePort returns the port the relay forwards to.
func (t *Tunnel) RemotePort() int { return t.port }

// Connect opens a client on the tunnel. The relay dials the target when it
// processes the message; a failed dial surfaces as a RemoteError on Read.
func (t *Tunnel) Connect(ctx context.Context, clientID string) (*Stream, error) {
	s := &Stream{
		tunnel: t,
		id:     clientID,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTunnelClosed
	}
	if _, ok := t.streams[clientID]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStreamExists, clientID)
	}
	t.streams[clientID] = s
	t.mu.Unlock()

	err := t.client.send(ctx, &protocol.Envelope{
		Event:    protocol.EventConnection,
		TunnelID: t.id,
		ClientID: clientID,
	})
	if err != nil {
		t.forget(s)
		return nil, err
	}
	return s, nil
}

// Streams returns the number of open streams.
func (t *Tunnel) Streams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

func (t *Tunnel) stream(clientID string) (*Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[clientID]
	return s, ok
}

func (t *Tunnel) forget(s *Stream) {
	t.mu.Lock()
	if t.streams[s.id] == s {
		delete(t.streams, s.id)
	}
	t.mu.Unlock()
}

// abort ends every stream locally with err.
func (t *Tunnel) abort(err error) {
	t.mu.Lock()
	t.closed = true
	streams := t.streams
	t.streams = make(map[string]*Stream)
	t.mu.Unlock()

	for _, s := range streams {
		s.finish(err)
		s.markRemoteClosed()
	}
}

// Close sends proxyClosed. The relay closes the tunnel's sockets; local
// streams end with ErrTunnelClosed.
func (t *Tunnel) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.client.forget(t)
	t.abort(ErrTunnelClosed)
	return t.client.send(ctx, &protocol.Envelope{
		Event:    protocol.EventProxyClosed,
		TunnelID: t.id,
	})
}

// Stream is one client on a tunnel. Reads return bytes the relay read from
// the forwarded socket; writes become data messages.
type Stream struct {
	tunnel *Tunnel
	id     string

	mu      sync.Mutex
	pending [][]byte
	readErr error
	notify  chan struct{}

	remoteClosed atomic.Bool
	doneOnce     sync.Once
	done         chan struct{}
}

// ID returns the client identifier.
func (s *Stream) ID() string { return s.id }

// Done is closed once the relay has closed the client or the stream was
// closed locally.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) push(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	if s.readErr == nil {
		s.pending = append(s.pending, data)
	}
	s.mu.Unlock()
	s.wake()
}

// finish records the terminal read error. The first one wins.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) markRemoteClosed() {
	s.remoteClosed.Store(true)
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Read returns buffered bytes. After end or close it returns io.EOF once the
// buffer drains; after a relay error it returns the RemoteError.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			n := copy(p, s.pending[0])
			if n == len(s.pending[0]) {
				s.pending = s.pending[1:]
			} else {
				s.pending[0] = s.pending[0][n:]
			}
			s.mu.Unlock()
			return n, nil
		}
		if s.readErr != nil {
			err := s.readErr
			s.mu.Unlock()
			return 0, err
		}
		s.mu.Unlock()
		<-s.notify
	}
}

// Write sends p as one or more data messages.
func (s *Stream) Write(p []byte) (int, error) {
	if s.remoteClosed.Load() {
		return 0, ErrStreamClosed
	}

	chunk := s.tunnel.client.cfg.ChunkSize
	written := 0
	for written < len(p) {
		end := min(written+chunk, len(p))
		err := s.tunnel.client.send(context.Background(), &protocol.Envelope{
			Event:    protocol.EventData,
			TunnelID: s.tunnel.id,
			ClientID: s.id,
			Arg:      p[written:end],
		})
		if err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// Close stops delivery to this stream. The wire protocol has no per-client
// close from the peer side, so the relay's socket stays open until the
// tunnel closes or the target hangs up.
func (s *Stream) Close() error {
	s.tunnel.forget(s)
	s.finish(ErrStreamClosed)
	s.markRemoteClosed()
	return nil
}
