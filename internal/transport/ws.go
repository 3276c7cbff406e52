package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
	"nhooyr.io/websocket"

	"github.com/postalsys/tunnel-relay/internal/logging"
)

// Subprotocol is the WebSocket subprotocol offered by clients and listeners.
const Subprotocol = "tunnel-relay/1"

// CloseHandshakeTimeout bounds how long Close waits for the peer to answer
// the close frame before the socket is dropped.
const CloseHandshakeTimeout = time.Second

type rawConnKey struct{}

// WebSocketListener serves WebSocket upgrades on <Path>/<channel>.
type WebSocketListener struct {
	opts     ListenOptions
	basePath string
	logger   *slog.Logger
	server   *http.Server
	netLn    net.Listener

	connCh  chan *wsConn
	closeCh chan struct{}
	closed  atomic.Bool
}

// ListenWebSocket starts an HTTP(S) server accepting WebSocket connections.
func ListenWebSocket(addr string, opts ListenOptions) (*WebSocketListener, error) {
	opts.applyDefaults()
	if opts.TLSConfig == nil && !opts.PlainText {
		return nil, fmt.Errorf("TLS config required for WebSocket listener (or enable plaintext)")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	l := &WebSocketListener{
		opts:     opts,
		basePath: "/" + strings.Trim(opts.Path, "/"),
		logger:   logger,
		connCh:   make(chan *wsConn, 16),
		closeCh:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(strings.TrimSuffix(l.basePath, "/")+"/", l.handleUpgrade)

	l.server = &http.Server{
		Handler:           mux,
		TLSConfig:         opts.TLSConfig,
		ReadHeaderTimeout: opts.HandshakeTimeout,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, rawConnKey{}, c)
		},
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, opts.MaxConnections)
	}
	l.netLn = ln

	go func() {
		var err error
		if opts.PlainText {
			err = l.server.Serve(ln)
		} else {
			err = l.server.ServeTLS(ln, "", "")
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("websocket server stopped", logging.KeyError, err)
		}
	}()

	return l, nil
}

// channelFromPath extracts the channel segment after the base path.
func (l *WebSocketListener) channelFromPath(path string) string {
	rest := strings.TrimPrefix(path, l.basePath)
	rest = strings.Trim(rest, "/")
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

// bearerToken reads the token from the Authorization header, falling back to
// the "token" query parameter for clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	channel := l.channelFromPath(r.URL.Path)
	if channel == "" {
		l.opts.reject("missing_channel")
		http.NotFound(w, r)
		return
	}
	if !authenticate(l.opts.Auth, bearerToken(r)) {
		l.opts.reject("unauthorized")
		http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		l.opts.reject("upgrade")
		l.logger.Debug("websocket upgrade failed",
			logging.KeyRemoteAddr, r.RemoteAddr,
			logging.KeyError, err)
		return
	}
	conn.SetReadLimit(l.opts.MaxMessageSize)

	raw, _ := r.Context().Value(rawConnKey{}).(net.Conn)
	c := newWSConn(conn, raw, channel, r.RemoteAddr)

	select {
	case l.connCh <- c:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept returns the next upgraded connection.
func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
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
func (l *WebSocketListener) Addr() net.Addr { return l.netLn.Addr() }

// Type returns TypeWebSocket.
func (l *WebSocketListener) Type() Type { return TypeWebSocket }

// Close stops the HTTP server. Hijacked WebSocket connections stay open.
func (l *WebSocketListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// wsConn carries one relay message per WebSocket text message.
type wsConn struct {
	conn    *websocket.Conn
	raw     net.Conn
	channel string
	remote  string

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn, raw net.Conn, channel, remote string) *wsConn {
	return &wsConn{
		conn:    conn,
		raw:     raw,
		channel: channel,
		remote:  remote,
		done:    make(chan struct{}),
	}
}

// Receive reads the next message. Cancelling ctx closes the connection,
// which is how the websocket library aborts a pending read.
func (c *wsConn) Receive(ctx context.Context) (string, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.markClosed()
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return "", io.EOF
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return string(data), nil
}

// Send writes one text message. The websocket library serializes writers.
func (c *wsConn) Send(ctx context.Context, msg string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close sends a normal closure. If the peer does not answer within
// CloseHandshakeTimeout the underlying socket is closed.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.raw != nil {
			timer := time.AfterFunc(CloseHandshakeTimeout, func() { c.raw.Close() })
			defer timer.Stop()
		}
		err = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

func (c *wsConn) markClosed() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.CloseNow()
	})
}

func (c *wsConn) Done() <-chan struct{} { return c.done }
func (c *wsConn) Channel() string       { return c.channel }
func (c *wsConn) RemoteAddr() string    { return c.remote }
func (c *wsConn) Type() Type            { return TypeWebSocket }

// DialWebSocket connects to a WebSocket listener. url is the full endpoint,
// for example wss://relay.example.com/relay/tunnel.
func DialWebSocket(ctx context.Context, url string, opts DialOptions) (Conn, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dialOpts := &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   http.Header{},
	}
	if opts.Token != "" {
		dialOpts.HTTPHeader.Set("Authorization", "Bearer "+opts.Token)
	}
	var raw net.Conn
	var dialer net.Dialer
	dialOpts.HTTPClient = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: opts.TLSConfig,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				c, err := dialer.DialContext(ctx, network, addr)
				raw = c
				return c, err
			},
		},
	}

	conn, resp, err := websocket.Dial(ctx, url, dialOpts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}

	maxSize := opts.MaxMessageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	conn.SetReadLimit(maxSize)

	channel := opts.Channel
	if channel == "" {
		if i := strings.LastIndex(url, "/"); i >= 0 {
			channel = url[i+1:]
		}
	}
	return newWSConn(conn, raw, channel, url), nil
}
