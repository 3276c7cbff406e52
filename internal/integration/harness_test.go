// Package integration provides integration tests for the tunnel relay.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/tunnel-relay/internal/config"
	"github.com/postalsys/tunnel-relay/internal/metrics"
	"github.com/postalsys/tunnel-relay/internal/peer"
	"github.com/postalsys/tunnel-relay/internal/protocol"
	"github.com/postalsys/tunnel-relay/internal/relay"
	"github.com/postalsys/tunnel-relay/internal/state"
	"github.com/postalsys/tunnel-relay/internal/transport"
)

const (
	testToken   = "integration-token"
	testChannel = "tunnel"
)

var allTransports = []transport.Type{
	transport.TypeWebSocket,
	transport.TypeTCP,
	transport.TypeQUIC,
}

// relayHarness runs one relay with a self-signed listener per transport.
type relayHarness struct {
	srv      *relay.Server
	store    *state.MemoryStore
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	addrs    map[transport.Type]string
}

func skipShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

func startRelay(t *testing.T, mutate func(*config.Config)) *relayHarness {
	t.Helper()

	hash, err := transport.HashToken(testToken)
	if err != nil {
		t.Fatalf("HashToken() error = %v", err)
	}

	selfSigned := config.TLSConfig{SelfSigned: true}
	cfg := config.Default()
	cfg.Relay.InstanceID = "integration"
	cfg.Auth.TokenHash = hash
	cfg.Listeners = []config.ListenerConfig{
		{Transport: "ws", Address: "127.0.0.1:0", TLS: selfSigned},
		{Transport: "tcp", Address: "127.0.0.1:0", TLS: selfSigned},
		{Transport: "quic", Address: "127.0.0.1:0", TLS: selfSigned},
	}
	cfg.Tunnel.ConnectTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	store := state.NewMemoryStore()

	srv, err := relay.New(cfg, relay.Options{Metrics: m, Gatherer: reg, Store: store})
	if err != nil {
		t.Fatalf("relay.New() error = %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	h := &relayHarness{
		srv:      srv,
		store:    store,
		metrics:  m,
		registry: reg,
		addrs:    make(map[transport.Type]string),
	}
	for i, addr := range srv.Addrs() {
		h.addrs[transport.Type(cfg.Listeners[i].Transport)] = addr.String()
	}
	t.Logf("Relay listening: ws=%s tcp=%s quic=%s",
		h.addrs[transport.TypeWebSocket], h.addrs[transport.TypeTCP], h.addrs[transport.TypeQUIC])
	return h
}

// endpoint returns the dial address for typ.
func (h *relayHarness) endpoint(typ transport.Type) string {
	addr := h.addrs[typ]
	if typ == transport.TypeWebSocket {
		return "wss://" + addr + transport.DefaultWebSocketPath + "/" + testChannel
	}
	return addr
}

func (h *relayHarness) dialOptions(t *testing.T) transport.DialOptions {
	t.Helper()
	tlsConfig, err := transport.ClientTLSConfig("", true)
	if err != nil {
		t.Fatalf("ClientTLSConfig() error = %v", err)
	}
	return transport.DialOptions{
		TLSConfig: tlsConfig,
		Channel:   testChannel,
		Token:     testToken,
		Timeout:   5 * time.Second,
	}
}

// dialRaw opens a bare channel connection for hand-built messages.
func (h *relayHarness) dialRaw(t *testing.T, typ transport.Type) transport.Conn {
	t.Helper()
	conn, err := transport.Dial(context.Background(), typ, h.endpoint(typ), h.dialOptions(t))
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", typ, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// dialPeer connects a peer client over typ.
func (h *relayHarness) dialPeer(t *testing.T, typ transport.Type) *peer.Client {
	t.Helper()
	client, err := peer.Dial(context.Background(), typ, h.endpoint(typ), h.dialOptions(t), peer.Config{})
	if err != nil {
		t.Fatalf("peer.Dial(%s) error = %v", typ, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func (h *relayHarness) tunnelRecords(t *testing.T) []state.Record {
	t.Helper()
	recs, err := h.store.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return recs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// listen starts a loopback target and runs handle for every accepted socket.
func listen(t *testing.T, handle func(net.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func echoServer(t *testing.T) int {
	return listen(t, func(conn net.Conn) {
		defer conn.Close()
		io.Copy(conn, conn)
	})
}

// replyServer writes reply to every client, then closes the socket.
func replyServer(t *testing.T, reply string) int {
	return listen(t, func(conn net.Conn) {
		defer conn.Close()
		conn.Write([]byte(reply))
	})
}

// holdServer hands every accepted socket to the test.
func holdServer(t *testing.T) (int, <-chan net.Conn) {
	accepted := make(chan net.Conn, 16)
	port := listen(t, func(conn net.Conn) {
		accepted <- conn
	})
	t.Cleanup(func() {
		for {
			select {
			case conn := <-accepted:
				conn.Close()
			default:
				return
			}
		}
	})
	return port, accepted
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// expectClosed fails unless the relay hangs up conn within the deadline.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	for {
		_, err := conn.Read(buf)
		if err == io.EOF {
			return
		}
		if err != nil {
			t.Fatalf("target socket: %v, want EOF from relay", err)
		}
	}
}

func send(t *testing.T, conn transport.Conn, env *protocol.Envelope) {
	t.Helper()
	raw, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := conn.Send(context.Background(), raw); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func receive(t *testing.T, conn transport.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("bad message %q: %v", raw, err)
	}
	return env
}

// receiveData collects data for clientID until want bytes arrived.
func receiveData(t *testing.T, conn transport.Conn, clientID string, want int) []byte {
	t.Helper()
	var got []byte
	for len(got) < want {
		env := receive(t, conn)
		if env.ClientID != clientID {
			continue
		}
		switch env.Event {
		case protocol.EventData:
			got = append(got, env.Arg...)
		case protocol.EventError, protocol.EventEnd, protocol.EventClose:
			t.Fatalf("got %s for %s after %d bytes, want %d bytes", env.Event, clientID, len(got), want)
		}
	}
	return got
}

// roundTrip writes msg on s and reads the same number of bytes back.
func roundTrip(t *testing.T, s *peer.Stream, msg []byte) []byte {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		_, err := s.Write(msg)
		errc <- err
	}()

	got := make([]byte, len(msg))
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(s, got)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ReadFull() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out reading echo")
	}
	if err := <-errc; err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return got
}
