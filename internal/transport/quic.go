package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/tunnel-relay/internal/logging"
	"github.com/postalsys/tunnel-relay/internal/recovery"
)

// Default QUIC configuration values.
const (
	DefaultQUICMaxIdleTimeout  = 60 * time.Second
	DefaultQUICKeepAlivePeriod = 20 * time.Second
)

// QUICListener accepts QUIC connections. Each connection carries one
// bidirectional stream framed like the tcp transport.
type QUICListener struct {
	opts   ListenOptions
	ln     *quic.Listener
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	connCh  chan Conn
	closeCh chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        DefaultQUICMaxIdleTimeout,
		KeepAlivePeriod:       DefaultQUICKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// ListenQUIC starts a QUIC listener.
func ListenQUIC(addr string, opts ListenOptions) (*QUICListener, error) {
	opts.applyDefaults()
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}

	tlsConfig := opts.TLSConfig
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC listen on %s: %w", addr, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{
		opts:    opts,
		ln:      ln,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		connCh:  make(chan Conn, 16),
		closeCh: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

func (l *QUICListener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "transport.QUICListener.acceptLoop")

	var backoff AcceptBackoff
	for {
		qc, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.closed.Load() || l.ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return
			}
			l.logger.Warn("quic accept error",
				logging.KeyAddress, l.ln.Addr().String(),
				logging.KeyError, err)
			if !backoff.Wait(l.closeCh) {
				return
			}
			continue
		}
		backoff.Reset()

		l.wg.Add(1)
		go l.handshake(qc)
	}
}

func (l *QUICListener) handshake(qc quic.Connection) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "transport.QUICListener.handshake")

	ctx, cancel := context.WithTimeout(l.ctx, l.opts.HandshakeTimeout)
	stream, err := qc.AcceptStream(ctx)
	cancel()
	if err != nil {
		l.opts.reject("handshake_read")
		qc.CloseWithError(0, "no stream")
		return
	}

	c := newLineConn(&quicStream{Stream: stream, conn: qc}, TypeQUIC, qc.RemoteAddr().String(), l.opts.MaxMessageSize)
	if reason, err := serverHandshake(c, l.opts.Auth, l.opts.HandshakeTimeout); err != nil {
		l.opts.reject(reason)
		l.logger.Debug("quic handshake failed",
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
func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, ErrClosed
	}
}

// Addr returns the bound UDP address.
func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }

// Type returns TypeQUIC.
func (l *QUICListener) Type() Type { return TypeQUIC }

// Close stops accepting. Accepted connections share the listener's UDP
// socket and are closed with it.
func (l *QUICListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)
	l.cancel()
	err := l.ln.Close()
	l.wg.Wait()
	return err
}

// quicStream closes the whole QUIC connection along with its only stream.
type quicStream struct {
	quic.Stream
	conn quic.Connection
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	err := s.Stream.Close()
	s.conn.CloseWithError(0, "closed")
	return err
}

// DialQUIC connects to a QUIC listener and performs the Hello exchange.
func DialQUIC(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC")
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	tlsConfig := opts.TLSConfig
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	qc, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC dial %s: %w", addr, err)
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open QUIC stream: %w", err)
	}

	c := newLineConn(&quicStream{Stream: stream, conn: qc}, TypeQUIC, qc.RemoteAddr().String(), opts.MaxMessageSize)
	if err := clientHandshake(ctx, c, opts.Channel, opts.Token); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}