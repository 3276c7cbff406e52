package chaos

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/postalsys/tunnel-relay/internal/protocol"
	"github.com/postalsys/tunnel-relay/internal/transport"
	"github.com/postalsys/tunnel-relay/internal/tunnel"
)

// corruptMessage is what a corrupted message is replaced with.
const corruptMessage = `{"event":`

// FaultConn wraps a transport.Conn and injects faults into Send and Receive.
// It implements Target.
type FaultConn struct {
	transport.Conn
	injector *FaultInjector
	killed   atomic.Bool
}

// WrapConn returns conn with faults from injector applied.
func WrapConn(conn transport.Conn, injector *FaultInjector) *FaultConn {
	return &FaultConn{Conn: conn, injector: injector}
}

// ID returns the remote address of the wrapped connection.
func (c *FaultConn) ID() string { return c.Conn.RemoteAddr() }

// Kill closes the connection.
func (c *FaultConn) Kill() error {
	c.killed.Store(true)
	return c.Conn.Close()
}

// IsAlive reports whether the connection is still open.
func (c *FaultConn) IsAlive() bool {
	select {
	case <-c.Conn.Done():
		return false
	default:
		return true
	}
}

// Killed reports whether a fault or Kill closed the connection.
func (c *FaultConn) Killed() bool { return c.killed.Load() }

func (c *FaultConn) before(ctx context.Context) error {
	if d := c.injector.MaybeDelay(); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.injector.MaybeDisconnect() {
		c.Kill()
		return transport.ErrClosed
	}
	return c.injector.MaybeError()
}

// Send applies faults, then forwards msg. A corrupt fault sends truncated
// JSON instead.
func (c *FaultConn) Send(ctx context.Context, msg string) error {
	if err := c.before(ctx); err != nil {
		return err
	}
	if c.injector.MaybeCorrupt() {
		msg = corruptMessage
	}
	return c.Conn.Send(ctx, msg)
}

// Receive forwards the next message, then applies faults to it.
func (c *FaultConn) Receive(ctx context.Context) (string, error) {
	msg, err := c.Conn.Receive(ctx)
	if err != nil {
		return msg, err
	}
	if err := c.before(ctx); err != nil {
		return "", err
	}
	if c.injector.MaybeCorrupt() {
		msg = corruptMessage
	}
	return msg, nil
}

// FaultSession wraps a tunnel.Session and injects panics and errors into
// Send.
type FaultSession struct {
	tunnel.Session
	injector *FaultInjector
}

// Send may panic or fail before handing msg to the wrapped session.
func (s *FaultSession) Send(msg protocol.Message) error {
	s.injector.MaybePanic()
	if err := s.injector.MaybeError(); err != nil {
		return err
	}
	return s.Session.Send(msg)
}

// WrapFactory returns a factory whose sessions are FaultSessions.
func WrapFactory(factory tunnel.SessionFactory, injector *FaultInjector) tunnel.SessionFactory {
	return func(tunnelID string, remotePort int, conn transport.Conn) (tunnel.Session, error) {
		s, err := factory(tunnelID, remotePort, conn)
		if err != nil {
			return nil, err
		}
		return &FaultSession{Session: s, injector: injector}, nil
	}
}
