// Package forward implements tunnel sessions that forward peer clients to
// local TCP ports.
//
// A Session belongs to one tunnel. Each connection message from the peer
// dials dial_host:remotePort for a new client; data messages are written to
// that client's socket; bytes read back are sent to the peer as data
// messages, followed by end and close when the socket finishes.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/tunnel-relay/internal/logging"
	"github.com/postalsys/tunnel-relay/internal/metrics"
	"github.com/postalsys/tunnel-relay/internal/protocol"
	"github.com/postalsys/tunnel-relay/internal/recovery"
	"github.com/postalsys/tunnel-relay/internal/transport"
	"github.com/postalsys/tunnel-relay/internal/tunnel"
)

var (
	// ErrBackpressure means the session queue stayed full for SendTimeout.
	ErrBackpressure = errors.New("session queue full")

	// ErrSessionClosed means Send was called after Close.
	ErrSessionClosed = errors.New("session closed")
)

// SessionConfig configures sessions.
type SessionConfig struct {
	// DialHost is the host forwarded clients are dialed on.
	DialHost string

	// ConnectTimeout bounds each dial.
	ConnectTimeout time.Duration

	// IdleTimeout closes a client socket with no reads for this long (0 = never).
	IdleTimeout time.Duration

	// MaxClients caps concurrent clients per tunnel (0 = unlimited).
	MaxClients int

	// QueueSize is the number of messages buffered per session.
	QueueSize int

	// SendTimeout bounds how long Send waits for queue space, and how long
	// an outbound message may take to write to the transport.
	SendTimeout time.Duration

	// RateLimit caps bytes per second read from the tunnel's sockets
	// (0 = unlimited).
	RateLimit int64

	// ReadBufferSize is the largest chunk sent in one data message.
	ReadBufferSize int

	// Counters aggregates live clients and bytes across sessions. Optional.
	Counters *Counters

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		DialHost:       "127.0.0.1",
		ConnectTimeout: 10 * time.Second,
		IdleTimeout:    5 * time.Minute,
		MaxClients:     256,
		QueueSize:      256,
		SendTimeout:    5 * time.Second,
		ReadBufferSize: 32 * 1024,
	}
}

func (c *SessionConfig) applyDefaults() {
	d := DefaultSessionConfig()
	if c.DialHost == "" {
		c.DialHost = d.DialHost
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewDiscard()
	}
}

// NewFactory returns a tunnel.SessionFactory building forward sessions.
func NewFactory(cfg SessionConfig) tunnel.SessionFactory {
	cfg.applyDefaults()
	return func(tunnelID string, remotePort int, conn transport.Conn) (tunnel.Session, error) {
		return NewSession(tunnelID, remotePort, conn, cfg), nil
	}
}

// client is one forwarded socket.
type client struct {
	id        string
	conn      net.Conn
	startedAt time.Time
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

// Session forwards the clients of one tunnel.
type Session struct {
	cfg        SessionConfig
	tunnelID   string
	remotePort int
	target     string
	conn       transport.Conn
	logger     *slog.Logger
	metrics    *metrics.Metrics
	limiter    *rate.Limiter

	queue chan protocol.Message

	mu      sync.Mutex
	clients map[string]*client

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession creates a session and starts its worker.
func NewSession(tunnelID string, remotePort int, conn transport.Conn, cfg SessionConfig) *Session {
	s := newSession(tunnelID, remotePort, conn, cfg)
	s.wg.Add(1)
	go s.worker()
	return s
}

func newSession(tunnelID string, remotePort int, conn transport.Conn, cfg SessionConfig) *Session {
	cfg.applyDefaults()

	s := &Session{
		cfg:        cfg,
		tunnelID:   tunnelID,
		remotePort: remotePort,
		target:     net.JoinHostPort(cfg.DialHost, strconv.Itoa(remotePort)),
		conn:       conn,
		logger: cfg.Logger.With(
			logging.KeyTunnelID, tunnelID,
			logging.KeyRemotePort, remotePort),
		metrics: cfg.Metrics,
		queue:   make(chan protocol.Message, cfg.QueueSize),
		clients: make(map[string]*client),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.ReadBufferSize
		if int64(burst) < cfg.RateLimit {
			burst = int(cfg.RateLimit)
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Target returns the address clients are dialed on.
func (s *Session) Target() string { return s.target }

// Send queues msg for the worker. It waits at most SendTimeout for space.
func (s *Session) Send(msg protocol.Message) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	select {
	case s.queue <- msg:
		return nil
	default:
	}

	timer := time.NewTimer(s.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case s.queue <- msg:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrBackpressure, s.cfg.SendTimeout)
	}
}

// worker handles queued messages in order.
func (s *Session) worker() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "forward.Session.worker")

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			s.handle(msg)
		}
	}
}

func (s *Session) handle(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Connection:
		s.openClient(m.ClientID)
	case *protocol.Data:
		s.writeClient(m.ClientID, m.Arg)
	default:
		s.logger.Warn("session ignoring message", logging.KeyEvent, msg.Event())
	}
}

func (s *Session) openClient(clientID string) {
	if clientID == "" {
		s.logger.Warn("connection without clientId dropped")
		return
	}

	s.mu.Lock()
	_, exists := s.clients[clientID]
	count := len(s.clients)
	s.mu.Unlock()

	if exists {
		s.logger.Warn("duplicate connection for live client ignored", logging.KeyClientID, clientID)
		return
	}
	if s.cfg.MaxClients > 0 && count >= s.cfg.MaxClients {
		s.fail(clientID, fmt.Errorf("client limit of %d reached", s.cfg.MaxClients))
		return
	}

	start := time.Now()
	dialer := &net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(s.ctx, "tcp", s.target)
	if err != nil {
		s.metrics.RecordDialError()
		s.fail(clientID, err)
		return
	}

	c := &client{id: clientID, conn: conn, startedAt: start}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[clientID] = c
	s.mu.Unlock()

	s.metrics.RecordClientOpen(time.Since(start))
	s.cfg.Counters.clientOpened()

	s.logger.Debug("client connected",
		logging.KeyClientID, clientID,
		logging.KeyAddress, s.target)

	s.wg.Add(1)
	go s.readLoop(c)
}

func (s *Session) writeClient(clientID string, data []byte) {
	s.mu.Lock()
	c := s.clients[clientID]
	s.mu.Unlock()

	if c == nil {
		s.logger.Debug("data for unknown client dropped",
			logging.KeyClientID, clientID,
			"bytes", len(data))
		return
	}
	if len(data) == 0 {
		return
	}

	c.conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
	n, err := c.conn.Write(data)
	s.metrics.RecordBytes(metrics.DirectionInbound, n)
	s.cfg.Counters.addIn(n)
	if err != nil {
		s.logger.Debug("client write failed",
			logging.KeyClientID, clientID,
			logging.KeyError, err)
		s.emit(&protocol.Envelope{Event: protocol.EventError, ClientID: clientID, Error: err.Error()})
		s.closeClient(clientID)
	}
}

// readLoop copies socket reads to the peer until EOF, error or idle timeout.
func (s *Session) readLoop(c *client) {
	defer s.wg.Done()
	defer s.closeClient(c.id)
	defer recovery.RecoverWithLog(s.logger, "forward.Session.readLoop")

	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		if s.cfg.IdleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			if s.limiter != nil {
				if werr := s.limiter.WaitN(s.ctx, n); werr != nil {
					return
				}
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if serr := s.emit(&protocol.Envelope{Event: protocol.EventData, ClientID: c.id, Arg: chunk}); serr != nil {
				return
			}
			s.metrics.RecordBytes(metrics.DirectionOutbound, n)
			s.cfg.Counters.addOut(n)
		}

		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.emit(&protocol.Envelope{Event: protocol.EventEnd, ClientID: c.id})
			case isTimeout(err):
				s.logger.Debug("client idle timeout", logging.KeyClientID, c.id)
			case !s.closed.Load():
				s.logger.Debug("client read failed",
					logging.KeyClientID, c.id,
					logging.KeyError, err)
			}
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// closeClient removes and closes a client, telling the peer. Unknown or
// already closed clients are ignored.
func (s *Session) closeClient(clientID string) {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	c.close()
	s.metrics.RecordClientClose()
	s.cfg.Counters.clientClosed()
	s.emit(&protocol.Envelope{Event: protocol.EventClose, ClientID: clientID})

	s.logger.Debug("client closed",
		logging.KeyClientID, clientID,
		logging.KeyDuration, time.Since(c.startedAt).Round(time.Millisecond))
}

// fail reports a client that never opened.
func (s *Session) fail(clientID string, err error) {
	s.logger.Debug("client connect failed",
		logging.KeyClientID, clientID,
		logging.KeyAddress, s.target,
		logging.KeyError, err)
	s.emit(&protocol.Envelope{Event: protocol.EventError, ClientID: clientID, Error: err.Error()})
	s.emit(&protocol.Envelope{Event: protocol.EventClose, ClientID: clientID})
}

// emit sends an outbound message for this tunnel. Nothing is sent once the
// session is closed.
func (s *Session) emit(env *protocol.Envelope) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	env.TunnelID = s.tunnelID

	msg, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := s.conn.Send(ctx, msg); err != nil {
		s.logger.Debug("outbound send failed",
			logging.KeyEvent, env.Event,
			logging.KeyClientID, env.ClientID,
			logging.KeyError, err)
		return err
	}
	s.metrics.RecordSent(string(env.Event))
	return nil
}

// Close stops the worker and closes every client socket. Safe to call more
// than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		s.mu.Lock()
		clients := s.clients
		s.clients = make(map[string]*client)
		s.mu.Unlock()

		for _, c := range clients {
			c.close()
			s.metrics.RecordClientClose()
			s.cfg.Counters.clientClosed()
		}
		s.wg.Wait()

		s.logger.Debug("session closed", logging.KeyCount, len(clients))
	})
	return nil
}

// ClientCount returns the number of open client sockets.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
