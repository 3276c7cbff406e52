// Package tunnel routes the messages of one transport connection to
// per-tunnel forwarding sessions.
//
// A Router owns the table from tunnel id to Session for exactly one
// connection. proxyCreated inserts a session, connection and data messages
// are handed to the session for their tunnel, and proxyClosed closes and
// removes it. When the connection goes away every remaining session is
// closed.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/tunnel-relay/internal/logging"
	"github.com/postalsys/tunnel-relay/internal/metrics"
	"github.com/postalsys/tunnel-relay/internal/protocol"
	"github.com/postalsys/tunnel-relay/internal/recovery"
	"github.com/postalsys/tunnel-relay/internal/transport"
)

var (
	// ErrTunnelLimit means a proxyCreated would exceed the live tunnel cap.
	ErrTunnelLimit = errors.New("tunnel limit reached")

	// ErrRouterClosed means a message arrived after the router was closed.
	ErrRouterClosed = errors.New("router closed")
)

// Session is one forwarded-socket session.
type Session interface {
	// Send hands a connection or data message to the session. It must not
	// block on network I/O.
	Send(msg protocol.Message) error

	// Close releases the session. Safe to call more than once.
	Close() error
}

// SessionFactory builds the session for a new tunnel. It is called with the
// router's table locked and must return promptly.
type SessionFactory func(tunnelID string, remotePort int, conn transport.Conn) (Session, error)

// TunnelInfo describes a live tunnel.
type TunnelInfo struct {
	ConnID     string
	TunnelID   string
	RemotePort int
	RemoteAddr string
	Transport  transport.Type
	CreatedAt  time.Time
}

// Observer is told about table changes. Calls are made outside the table
// lock, in the order the changes happened.
type Observer interface {
	TunnelOpened(info TunnelInfo)
	TunnelClosed(connID, tunnelID string)
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// NewSession builds sessions. Required.
	NewSession SessionFactory

	// MaxTunnels caps live tunnels on the connection (0 = unlimited).
	// Replacing a live tunnel id does not count against it.
	MaxTunnels int

	// CloseReplaced closes the old session when proxyCreated reuses a live
	// tunnel id. By default the old session is dropped from the table only.
	CloseReplaced bool

	// Observer is optional.
	Observer Observer

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger is optional.
	Logger *slog.Logger
}

type entry struct {
	session Session
	info    TunnelInfo
}

// Router demultiplexes one connection's messages into sessions.
type Router struct {
	cfg     RouterConfig
	conn    transport.Conn
	id      string
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	tunnels map[string]*entry
	closed  bool
}

// NewRouter creates a router with an empty table for conn.
func NewRouter(conn transport.Conn, cfg RouterConfig) *Router {
	id := uuid.NewString()

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewDiscard()
	}

	return &Router{
		cfg:  cfg,
		conn: conn,
		id:   id,
		logger: logger.With(
			logging.KeyConnID, id,
			logging.KeyRemoteAddr, conn.RemoteAddr()),
		metrics: m,
		tunnels: make(map[string]*entry),
	}
}

// ConnectionID returns the id assigned to this connection.
func (r *Router) ConnectionID() string { return r.id }

// Conn returns the routed connection.
func (r *Router) Conn() transport.Conn { return r.conn }

// Run handles messages in arrival order until the connection ends or ctx is
// cancelled, then closes every remaining session. It returns nil when the
// peer closed the connection.
func (r *Router) Run(ctx context.Context) error {
	defer r.Close()

	for {
		raw, err := r.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		r.HandleMessage(raw)
	}
}

// HandleMessage decodes and routes one message. Every failure is reported
// and returned; none of them affects other tunnels or later messages.
func (r *Router) HandleMessage(raw string) error {
	var env *protocol.Envelope

	err := recovery.Call(r.logger, "tunnel.Router.HandleMessage", func() error {
		msg, e, err := protocol.Decode([]byte(raw))
		env = e
		if err != nil {
			return err
		}
		r.metrics.RecordMessage(string(msg.Event()))
		return r.dispatch(msg)
	})
	if err != nil {
		r.report(env, err)
	}
	return err
}

func (r *Router) dispatch(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.ProxyCreated:
		return r.create(m)
	case *protocol.Connection, *protocol.Data:
		return r.forward(msg)
	case *protocol.ProxyClosed:
		return r.remove(m)
	default:
		panic(fmt.Sprintf("tunnel: unhandled message type %T", msg))
	}
}

func (r *Router) create(m *protocol.ProxyCreated) error {
	e, old, err := r.insert(m)
	if err != nil {
		return err
	}
	replaced := old != nil

	r.metrics.RecordTunnelCreated(replaced)

	if replaced {
		r.logger.Warn("tunnel replaced by duplicate proxyCreated",
			logging.KeyTunnelID, m.TunnelID,
			"old_port", old.info.RemotePort,
			logging.KeyRemotePort, m.RemotePort,
			"closed_old", r.cfg.CloseReplaced)
		if r.cfg.CloseReplaced {
			r.closeSession(m.TunnelID, old.session)
		}
	} else {
		r.logger.Debug("tunnel created",
			logging.KeyTunnelID, m.TunnelID,
			logging.KeyRemotePort, m.RemotePort)
	}

	if r.cfg.Observer != nil {
		r.cfg.Observer.TunnelOpened(e.info)
	}
	return nil
}

// insert builds the session and stores it, returning the entry it replaced.
func (r *Router) insert(m *protocol.ProxyCreated) (e, old *entry, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, ErrRouterClosed
	}
	old = r.tunnels[m.TunnelID]
	if old == nil && r.cfg.MaxTunnels > 0 && len(r.tunnels) >= r.cfg.MaxTunnels {
		return nil, nil, fmt.Errorf("%w: %d live tunnels", ErrTunnelLimit, r.cfg.MaxTunnels)
	}
	session, err := r.cfg.NewSession(m.TunnelID, m.RemotePort, r.conn)
	if err != nil {
		return nil, nil, fmt.Errorf("create session for tunnel %q: %w", m.TunnelID, err)
	}
	e = &entry{
		session: session,
		info: TunnelInfo{
			ConnID:     r.id,
			TunnelID:   m.TunnelID,
			RemotePort: m.RemotePort,
			RemoteAddr: r.conn.RemoteAddr(),
			Transport:  r.conn.Type(),
			CreatedAt:  time.Now(),
		},
	}
	r.tunnels[m.TunnelID] = e
	return e, old, nil
}

func (r *Router) forward(msg protocol.Message) error {
	id := msg.Tunnel()

	r.mu.Lock()
	e, ok := r.tunnels[id]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s for %q", protocol.ErrUnknownTunnel, msg.Event(), id)
	}
	if err := e.session.Send(msg); err != nil {
		return fmt.Errorf("send %s to tunnel %q: %w", msg.Event(), id, err)
	}
	return nil
}

func (r *Router) remove(m *protocol.ProxyClosed) error {
	r.mu.Lock()
	e, ok := r.tunnels[m.TunnelID]
	if ok {
		delete(r.tunnels, m.TunnelID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: proxyClosed for %q", protocol.ErrUnknownTunnel, m.TunnelID)
	}

	r.metrics.RecordTunnelClosed()
	if r.cfg.Observer != nil {
		r.cfg.Observer.TunnelClosed(r.id, m.TunnelID)
	}
	r.logger.Debug("tunnel closed", logging.KeyTunnelID, m.TunnelID)

	if err := e.session.Close(); err != nil {
		return fmt.Errorf("close tunnel %q: %w", m.TunnelID, err)
	}
	return nil
}

// closeSession closes s, logging instead of returning failures and panics.
func (r *Router) closeSession(id string, s Session) {
	err := recovery.Call(r.logger, "tunnel.Router.closeSession", s.Close)
	if err != nil {
		r.logger.Warn("session close failed",
			logging.KeyTunnelID, id,
			logging.KeyError, err)
	}
}

func (r *Router) report(env *protocol.Envelope, err error) {
	errType := protocol.ErrorType(err)
	if errors.Is(err, recovery.ErrPanic) {
		errType = "panic"
		r.metrics.RecordPanic()
	}
	r.metrics.RecordMessageError(errType)

	var event, tunnelID string
	if env != nil {
		event, tunnelID = string(env.Event), env.TunnelID
	}

	level := slog.LevelWarn
	if errType == "panic" || errors.Is(err, protocol.ErrUnknownTunnel) {
		level = slog.LevelError
	}
	r.logger.Log(context.Background(), level, "message dropped",
		logging.KeyEvent, event,
		logging.KeyTunnelID, tunnelID,
		"error_type", errType,
		logging.KeyError, err)
}

// Close closes every session in the table and refuses further tunnels.
// Safe to call more than once.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	remaining := r.tunnels
	r.tunnels = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range remaining {
		r.closeSession(id, e.session)
		if r.cfg.Observer != nil {
			r.cfg.Observer.TunnelClosed(r.id, id)
		}
	}
	r.metrics.RecordTunnelsReaped(len(remaining))

	if len(remaining) > 0 {
		r.logger.Info("closed tunnels on disconnect", logging.KeyCount, len(remaining))
	}
}

// Len returns the number of live tunnels.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}

// TunnelIDs returns the live tunnel ids, sorted.
func (r *Router) TunnelIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.tunnels))
	for id := range r.tunnels {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Tunnels returns a snapshot of the live tunnels.
func (r *Router) Tunnels() []TunnelInfo {
	r.mu.Lock()
	infos := make([]TunnelInfo, 0, len(r.tunnels))
	for _, e := range r.tunnels {
		infos = append(infos, e.info)
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].TunnelID < infos[j].TunnelID })
	return infos
}

// Lookup returns the live session for id.
func (r *Router) Lookup(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tunnels[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}
