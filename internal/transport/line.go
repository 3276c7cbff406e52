package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Hello is the first line a tcp or quic client sends.
type Hello struct {
	Channel string `json:"channel"`
	Token   string `json:"token,omitempty"`
}

// HelloReply answers a Hello.
type HelloReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// lineConn frames messages as newline-terminated lines over a byte stream.
// A reader goroutine feeds incoming so Receive can honour its context.
type lineConn struct {
	rwc     io.ReadWriteCloser
	typ     Type
	remote  string
	channel string
	maxSize int64

	incoming chan string
	errMu    sync.Mutex
	readErr  error

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func newLineConn(rwc io.ReadWriteCloser, typ Type, remote string, maxSize int64) *lineConn {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	c := &lineConn{
		rwc:      rwc,
		typ:      typ,
		remote:   remote,
		maxSize:  maxSize,
		incoming: make(chan string, 64),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *lineConn) readLoop() {
	defer close(c.incoming)

	r := bufio.NewReaderSize(c.rwc, 64*1024)
	for {
		line, err := readLine(r, c.maxSize)
		if err != nil {
			c.setReadErr(err)
			c.Close()
			return
		}
		if len(line) == 0 {
			continue
		}
		select {
		case c.incoming <- string(line):
		case <-c.done:
			return
		}
	}
}

// readLine reads one line without its terminator, refusing lines over max bytes.
func readLine(r *bufio.Reader, max int64) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if int64(len(line)) > max {
			return nil, ErrMessageTooLarge
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (c *lineConn) setReadErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}

func (c *lineConn) terminalErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil || errors.Is(c.readErr, io.EOF) {
		return io.EOF
	}
	if errors.Is(c.readErr, ErrMessageTooLarge) {
		return c.readErr
	}
	// Reads fail with "use of closed connection" after a local Close.
	select {
	case <-c.done:
		return io.EOF
	default:
		return c.readErr
	}
}

// Receive returns the next line.
func (c *lineConn) Receive(ctx context.Context) (string, error) {
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return "", c.terminalErr()
		}
		return msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send writes msg followed by a newline in a single write.
func (c *lineConn) Send(ctx context.Context, msg string) error {
	if strings.ContainsRune(msg, '\n') {
		return fmt.Errorf("message contains newline")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if wd, ok := c.rwc.(writeDeadliner); ok {
		deadline, _ := ctx.Deadline()
		_ = wd.SetWriteDeadline(deadline)
	}

	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	if _, err := c.rwc.Write(buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close closes the underlying stream.
func (c *lineConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.rwc.Close()
	})
	return err
}

func (c *lineConn) Done() <-chan struct{} { return c.done }
func (c *lineConn) Channel() string       { return c.channel }
func (c *lineConn) RemoteAddr() string    { return c.remote }
func (c *lineConn) Type() Type            { return c.typ }

// serverHandshake reads a Hello, checks it and answers. On failure the
// connection is closed and the returned reason names the cause.
func serverHandshake(c *lineConn, auth Authenticator, timeout time.Duration) (reason string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fail := func(reason, msg string) (string, error) {
		reply, _ := json.Marshal(HelloReply{OK: false, Error: msg})
		_ = c.Send(ctx, string(reply))
		c.Close()
		return reason, fmt.Errorf("%w: %s", ErrBadHandshake, msg)
	}

	line, err := c.Receive(ctx)
	if err != nil {
		c.Close()
		return "handshake_read", fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}

	var hello Hello
	if err := json.Unmarshal([]byte(line), &hello); err != nil {
		return fail("handshake_json", "invalid hello")
	}
	if hello.Channel == "" {
		return fail("missing_channel", "missing channel")
	}
	if !authenticate(auth, hello.Token) {
		return fail("unauthorized", ErrUnauthorized.Error())
	}

	reply, _ := json.Marshal(HelloReply{OK: true})
	if err := c.Send(ctx, string(reply)); err != nil {
		c.Close()
		return "handshake_write", fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	c.channel = hello.Channel
	return "", nil
}

// clientHandshake sends a Hello and waits for the reply.
func clientHandshake(ctx context.Context, c *lineConn, channel, token string) error {
	hello, err := json.Marshal(Hello{Channel: channel, Token: token})
	if err != nil {
		return err
	}
	if err := c.Send(ctx, string(hello)); err != nil {
		return err
	}
	line, err := c.Receive(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	var reply HelloReply
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		return fmt.Errorf("%w: invalid reply", ErrBadHandshake)
	}
	if !reply.OK {
		if reply.Error == ErrUnauthorized.Error() {
			return ErrUnauthorized
		}
		return fmt.Errorf("%w: %s", ErrBadHandshake, reply.Error)
	}
	c.channel = channel
	return nil
}
