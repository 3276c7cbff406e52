// Package probe tests connectivity to a tunnel relay listener.
package probe

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/tunnel-relay/internal/protocol"
	"github.com/postalsys/tunnel-relay/internal/transport"
)

// Defaults.
const (
	DefaultTimeout = 10 * time.Second
	DefaultChannel = "tunnel"

	// closeWait is how long the probe watches a fresh connection for an
	// immediate close, which is how the relay refuses unknown channels.
	closeWait = 300 * time.Millisecond
)

// Options contains configuration for a connectivity probe.
type Options struct {
	// Transport type: "ws", "tcp", "quic"
	Transport string

	// Address is host:port, or a ws:// / wss:// URL for WebSocket.
	Address string

	// Path is the WebSocket base path (default: "/relay").
	Path string

	// Channel to request (default: "tunnel").
	Channel string

	// Token presented to the relay.
	Token string

	// Timeout for the entire probe operation.
	Timeout time.Duration

	// StrictVerify enables TLS certificate verification (default: false).
	StrictVerify bool

	// CACert is the path to a CA certificate file for TLS verification.
	CACert string

	// PlainText dials ws or tcp without TLS.
	PlainText bool

	// TargetPort, when set, opens a throwaway tunnel to this port and
	// reports whether the relay could dial it.
	TargetPort int
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	// Success indicates whether the probe succeeded
	Success bool

	// Transport type that was tested
	Transport string

	// Address that was dialed
	Address string

	// RTT covers dial plus handshake.
	RTT time.Duration

	// TargetChecked is true when a forward check ran.
	TargetChecked bool

	// Error is the error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Probe dials a relay listener, completes the transport handshake and
// optionally checks that the relay can reach a target port.
func Probe(ctx context.Context, opts Options) *Result {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Path == "" {
		opts.Path = transport.DefaultWebSocketPath
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}

	result := &Result{
		Transport: opts.Transport,
		Address:   FormatAddress(opts),
	}
	fail := func(err error) *Result {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if opts.PlainText && opts.Transport == string(transport.TypeQUIC) {
		return fail(fmt.Errorf("plaintext mode is not supported for QUIC"))
	}

	var tlsConfig *tls.Config
	if !opts.PlainText {
		var err error
		tlsConfig, err = transport.ClientTLSConfig(opts.CACert, !opts.StrictVerify)
		if err != nil {
			return fail(err)
		}
	}

	start := time.Now()
	conn, err := transport.Dial(ctx, transport.Type(opts.Transport), result.Address, transport.DialOptions{
		TLSConfig: tlsConfig,
		Channel:   opts.Channel,
		Token:     opts.Token,
		Timeout:   opts.Timeout,
	})
	if err != nil {
		return fail(err)
	}
	defer conn.Close()
	result.RTT = time.Since(start)

	if err := watchForClose(ctx, conn); err != nil {
		return fail(err)
	}

	if opts.TargetPort > 0 {
		result.TargetChecked = true
		if err := checkTarget(ctx, conn, opts.TargetPort); err != nil {
			return fail(err)
		}
	}

	result.Success = true
	return result
}

// watchForClose fails if the relay drops the connection right after the
// handshake.
func watchForClose(ctx context.Context, conn transport.Conn) error {
	select {
	case <-conn.Done():
		return errChannelRefused
	case <-time.After(closeWait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errChannelRefused = errors.New("relay closed the connection after the handshake")

// checkTarget opens a tunnel to port with one client. The relay answers a
// failed dial with an error message; a successful dial stays silent, so a
// quiet window counts as reachable.
func checkTarget(ctx context.Context, conn transport.Conn, port int) error {
	tunnelID := "probe-" + uuid.NewString()[:8]
	clientID := "probe"

	send := func(env *protocol.Envelope) error {
		raw, err := protocol.Encode(env)
		if err != nil {
			return err
		}
		return conn.Send(ctx, raw)
	}

	steps := []*protocol.Envelope{
		{Event: protocol.EventProxyCreated, TunnelID: tunnelID, RemotePort: protocol.Port(port)},
		{Event: protocol.EventConnection, TunnelID: tunnelID, ClientID: clientID},
	}
	for _, env := range steps {
		if err := send(env); err != nil {
			return fmt.Errorf("send %s: %w", env.Event, err)
		}
	}
	defer send(&protocol.Envelope{Event: protocol.EventProxyClosed, TunnelID: tunnelID})

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for {
		raw, err := conn.Receive(waitCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				// No error within the window; the dial succeeded.
				return nil
			}
			if err == io.EOF {
				return errChannelRefused
			}
			return err
		}

		var env protocol.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil || env.TunnelID != tunnelID {
			continue
		}
		switch env.Event {
		case protocol.EventError:
			return fmt.Errorf("relay could not reach port %d: %s", port, env.Error)
		case protocol.EventData, protocol.EventEnd, protocol.EventClose:
			return nil
		}
	}
}

// FormatAddress returns the dial address for opts. WebSocket addresses get a
// scheme, the base path and the channel when they lack them.
func FormatAddress(opts Options) string {
	if opts.Transport != string(transport.TypeWebSocket) {
		return opts.Address
	}

	path := opts.Path
	if path == "" {
		path = transport.DefaultWebSocketPath
	}
	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	addr := opts.Address
	if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
		scheme := "wss://"
		if opts.PlainText {
			scheme = "ws://"
		}
		addr = scheme + addr
	}

	rest := addr[strings.Index(addr, "://")+3:]
	if !strings.Contains(rest, "/") {
		addr += strings.TrimSuffix(path, "/") + "/" + channel
	}
	return addr
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	if errors.Is(err, transport.ErrUnauthorized) {
		return "Token rejected by the relay (check --token)"
	}
	if errors.Is(err, errChannelRefused) {
		return "Connected, but the relay has no subscriber for this channel"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if strings.Contains(errStr, "connection refused") {
			return "Connection refused - listener not running or port blocked"
		}
		if strings.Contains(errStr, "no route to host") {
			return "No route to host - network unreachable"
		}
		if strings.Contains(errStr, "network is unreachable") {
			return "Network unreachable"
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Connection timed out - firewall may be blocking"
	}

	if strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls") || strings.Contains(errStr, "x509") {
		if strings.Contains(errStr, "unknown authority") {
			return "TLS error - certificate signed by unknown authority (try --ca, or drop --strict)"
		}
		if strings.Contains(errStr, "expired") {
			return "TLS error - certificate has expired"
		}
		return "TLS handshake failed - " + err.Error()
	}

	if errors.Is(err, transport.ErrBadHandshake) {
		return "Connected but the handshake failed - not a tunnel relay listener?"
	}

	return err.Error()
}
