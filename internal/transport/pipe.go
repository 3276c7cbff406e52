package transport

import (
	"context"
	"io"
	"sync"
)

// Pipe returns two connected in-memory Conns. Messages sent on one are
// received on the other in order. Both sides report channel as their
// Channel. Useful for embedding the relay and for tests.
func Pipe(channel string) (Conn, Conn) {
	ab := make(chan string, 64)
	ba := make(chan string, 64)
	done := make(chan struct{})
	shared := &pipeShared{done: done}

	a := &pipeConn{in: ba, out: ab, channel: channel, remote: "pipe:a", shared: shared}
	b := &pipeConn{in: ab, out: ba, channel: channel, remote: "pipe:b", shared: shared}
	return a, b
}

type pipeShared struct {
	once sync.Once
	done chan struct{}
}

type pipeConn struct {
	in      <-chan string
	out     chan<- string
	channel string
	remote  string
	shared  *pipeShared
}

func (c *pipeConn) Receive(ctx context.Context) (string, error) {
	// Drain what was sent before the close.
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.shared.done:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return "", io.EOF
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *pipeConn) Send(ctx context.Context, msg string) error {
	select {
	case <-c.shared.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.shared.once.Do(func() { close(c.shared.done) })
	return nil
}

func (c *pipeConn) Done() <-chan struct{} { return c.shared.done }
func (c *pipeConn) Channel() string       { return c.channel }
func (c *pipeConn) RemoteAddr() string    { return c.remote }
func (c *pipeConn) Type() Type            { return TypePipe }
