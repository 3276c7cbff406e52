package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/netutil"

	"github.com/postalsys/tunnel-relay/internal/logging"
	"github.com/postalsys/tunnel-relay/internal/recovery"
)

// TCPListener accepts newline-delimited JSON connections over TCP or TLS.
type TCPListener struct {
	opts   ListenOptions
	ln     net.Listener
	logger *slog.Logger

	connCh  chan Conn
	closeCh chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// ListenTCP starts a TCP listener. Each accepted connection must complete
// the Hello exchange before Accept returns it.
func ListenTCP(addr string, opts ListenOptions) (*TCPListener, error) {
	opts.applyDefaults()
	if opts.TLSConfig == nil && !opts.PlainText {
		return nil, fmt.Errorf("TLS config required for tcp listener (or enable plaintext)")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, opts.MaxConnections)
	}
	if !opts.PlainText {
		ln = tls.NewListener(ln, opts.TLSConfig)
	}
	return newTCPListener(ln, opts), nil
}

// newTCPListener serves the handshake on connections accepted from ln.
func newTCPListener(ln net.Listener, opts ListenOptions) *TCPListener {
	opts.applyDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	l := &TCPListener{
		opts:    opts,
		ln:      ln,
		logger:  logger,
		connCh:  make(chan Conn, 16),
		closeCh: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()

	return l
}

func (l *TCPListener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "transport.TCPListener.acceptLoop")

	var backoff AcceptBackoff
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() {
				return
			}
			l.logger.Warn("tcp accept error",
				logging.KeyAddress, l.ln.Addr().String(),
				logging.KeyError, err)
			if !backoff.Wait(l.closeCh) {
				return
			}
			continue
		}
		backoff.Reset()

		l.wg.Add(1)
		go l.handshake(raw)
	}
}

func (l *TCPListener) handshake(raw net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "transport.TCPListener.handshake")

	c := newLineConn(raw, TypeTCP, raw.RemoteAddr().String(), l.opts.MaxMessageSize)
	if reason, err := serverHandshake(c, l.opts.Auth, l.opts.HandshakeTimeout); err != nil {
		l.opts.reject(reason)
		l.logger.Debug("tcp handshake failed",
			logging.KeyRemoteAddr, c.RemoteAddr(),
			logging.KeyError, err)
		return
	}

	select {
	case l.connCh <- c:
	case <-l.closeCh:
		c.Close()
	}
}

// Accept returns the next connection that passed its handshake.
func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, ErrClosed
	}
}

// Addr returns the bound address.
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// Type returns TypeTCP.
func (l *TCPListener) Type() Type { return TypeTCP }

// Close stops accepting and waits for in-flight handshakes.
func (l *TCPListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)
	err := l.ln.Close()
	l.wg.Wait()
	return err
}

// DialTCP connects to a tcp listener and performs the Hello exchange.
func DialTCP(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var raw net.Conn
	var err error
	if opts.TLSConfig != nil {
		d := &tls.Dialer{Config: opts.TLSConfig}
		raw, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		raw, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := newLineConn(raw, TypeTCP, raw.RemoteAddr().String(), opts.MaxMessageSize)
	if err := clientHandshake(ctx, c, opts.Channel, opts.Token); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
