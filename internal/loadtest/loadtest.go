// Package loadtest provides load testing utilities for the tunnel relay.
package loadtest

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/tunnel-relay/internal/peer"
	"github.com/postalsys/tunnel-relay/internal/protocol"
	"github.com/postalsys/tunnel-relay/internal/transport"
	"github.com/postalsys/tunnel-relay/internal/tunnel"
)

// ClientMetrics contains metrics from client load testing.
type ClientMetrics struct {
	TotalClients      int64
	SuccessfulClients int64
	FailedClients     int64
	TotalBytesWritten int64
	TotalBytesRead    int64
	AvgLatencyMs      float64
	MaxLatencyMs      float64
	MinLatencyMs      float64
	Duration          time.Duration
	ClientsPerSecond  float64
	ThroughputMBps    float64
}

// StreamFactory opens one client stream whose far end echoes bytes back.
type StreamFactory func(ctx context.Context) (io.ReadWriteCloser, error)

// ClientLoadGenerator opens clients in a loop, pushes a payload through each
// and waits for the echo.
type ClientLoadGenerator struct {
	concurrency int
	payloadSize int
	duration    time.Duration

	total, ok, failed atomic.Int64
	written, read     atomic.Int64

	mu         sync.Mutex
	latencySum float64
	latencyMax float64
	latencyMin float64
}

// NewClientLoadGenerator creates a new client load generator.
func NewClientLoadGenerator(concurrency, payloadSize int, duration time.Duration) *ClientLoadGenerator {
	return &ClientLoadGenerator{
		concurrency: concurrency,
		payloadSize: payloadSize,
		duration:    duration,
		latencyMin:  -1,
	}
}

// Run executes the load test until the duration elapses or ctx ends.
func (g *ClientLoadGenerator) Run(ctx context.Context, open StreamFactory) (*ClientMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, g.duration)
	defer cancel()

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < g.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.runWorker(ctx, open)
		}()
	}
	wg.Wait()

	m := &ClientMetrics{
		TotalClients:      g.total.Load(),
		SuccessfulClients: g.ok.Load(),
		FailedClients:     g.failed.Load(),
		TotalBytesWritten: g.written.Load(),
		TotalBytesRead:    g.read.Load(),
		Duration:          time.Since(start),
		MaxLatencyMs:      g.latencyMax,
	}
	if g.latencyMin >= 0 {
		m.MinLatencyMs = g.latencyMin
	}
	if m.SuccessfulClients > 0 {
		m.AvgLatencyMs = g.latencySum / float64(m.SuccessfulClients)
	}
	if seconds := m.Duration.Seconds(); seconds > 0 {
		m.ClientsPerSecond = float64(m.SuccessfulClients) / seconds
		m.ThroughputMBps = float64(m.TotalBytesWritten+m.TotalBytesRead) / (1024 * 1024) / seconds
	}
	return m, nil
}

func (g *ClientLoadGenerator) runWorker(ctx context.Context, open StreamFactory) {
	payload := make([]byte, g.payloadSize)
	rand.Read(payload)
	buf := make([]byte, g.payloadSize)

	for ctx.Err() == nil {
		start := time.Now()
		if err := g.roundTrip(ctx, open, payload, buf); err != nil {
			if ctx.Err() != nil {
				// Cut off by the deadline, not a failure.
				return
			}
			g.failed.Add(1)
			g.total.Add(1)
			continue
		}
		g.recordLatency(float64(time.Since(start).Microseconds()) / 1000)
		g.ok.Add(1)
		g.total.Add(1)
	}
}

func (g *ClientLoadGenerator) roundTrip(ctx context.Context, open StreamFactory, payload, buf []byte) error {
	s, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.Write(payload)
	g.written.Add(int64(n))
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		n, err := io.ReadFull(s, buf)
		g.read.Add(int64(n))
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

func (g *ClientLoadGenerator) recordLatency(ms float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latencySum += ms
	if ms > g.latencyMax {
		g.latencyMax = ms
	}
	if g.latencyMin < 0 || ms < g.latencyMin {
		g.latencyMin = ms
	}
}

// PeerStreams opens clients on a fixed set of tunnels of one peer connection,
// spreading them round-robin.
type PeerStreams struct {
	client  *peer.Client
	tunnels []*peer.Tunnel
	next    atomic.Uint64
}

// NewPeerStreams announces count tunnels to port on client.
func NewPeerStreams(ctx context.Context, client *peer.Client, count, port int) (*PeerStreams, error) {
	if count < 1 {
		count = 1
	}
	ps := &PeerStreams{client: client}
	prefix := "load-" + uuid.NewString()[:8]
	for i := 0; i < count; i++ {
		t, err := client.OpenTunnel(ctx, fmt.Sprintf("%s-%d", prefix, i), port)
		if err != nil {
			ps.Close(ctx)
			return nil, err
		}
		ps.tunnels = append(ps.tunnels, t)
	}
	return ps, nil
}

// Open is a StreamFactory.
func (ps *PeerStreams) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	n := ps.next.Add(1)
	t := ps.tunnels[int(n)%len(ps.tunnels)]
	return t.Connect(ctx, fmt.Sprintf("c%d", n))
}

// Close sends proxyClosed for every tunnel.
func (ps *PeerStreams) Close(ctx context.Context) error {
	var firstErr error
	for _, t := range ps.tunnels {
		if err := t.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RouterMetrics contains metrics from router table load testing.
type RouterMetrics struct {
	TotalTunnels        int
	InsertionTimeMs     float64
	DispatchTimeNs      float64
	DispatchesPerSecond float64
}

// RouterLoadTester measures tunnel table inserts and message dispatch on a
// Router with no-op sessions.
type RouterLoadTester struct {
	tunnelCount int
}

// NewRouterLoadTester creates a new router load tester.
func NewRouterLoadTester(tunnelCount int) *RouterLoadTester {
	return &RouterLoadTester{tunnelCount: tunnelCount}
}

type nopSession struct{ received atomic.Int64 }

func (s *nopSession) Send(protocol.Message) error { s.received.Add(1); return nil }
func (s *nopSession) Close() error                { return nil }

// Run executes the router load test.
func (t *RouterLoadTester) Run() (*RouterMetrics, error) {
	local, remote := transport.Pipe("tunnel")
	defer local.Close()
	defer remote.Close()

	router := tunnel.NewRouter(local, tunnel.RouterConfig{
		NewSession: func(string, int, transport.Conn) (tunnel.Session, error) {
			return &nopSession{}, nil
		},
	})
	defer router.Close()

	created := make([]string, t.tunnelCount)
	for i := range created {
		raw, err := protocol.Encode(&protocol.Envelope{
			Event:      protocol.EventProxyCreated,
			TunnelID:   fmt.Sprintf("t%d", i),
			RemotePort: protocol.Port(1024 + i%60000),
		})
		if err != nil {
			return nil, err
		}
		created[i] = raw
	}

	insertStart := time.Now()
	for _, raw := range created {
		if err := router.HandleMessage(raw); err != nil {
			return nil, err
		}
	}
	insert := time.Since(insertStart)

	dispatchCount := 10000
	data := make([]string, 64)
	for i := range data {
		raw, err := protocol.Encode(&protocol.Envelope{
			Event:    protocol.EventData,
			TunnelID: fmt.Sprintf("t%d", i%t.tunnelCount),
			ClientID: "c",
			Arg:      []byte("payload"),
		})
		if err != nil {
			return nil, err
		}
		data[i] = raw
	}

	dispatchStart := time.Now()
	for i := 0; i < dispatchCount; i++ {
		if err := router.HandleMessage(data[i%len(data)]); err != nil {
			return nil, err
		}
	}
	dispatch := time.Since(dispatchStart)

	return &RouterMetrics{
		TotalTunnels:        router.Len(),
		InsertionTimeMs:     float64(insert.Microseconds()) / 1000,
		DispatchTimeNs:      float64(dispatch.Nanoseconds()) / float64(dispatchCount),
		DispatchesPerSecond: float64(dispatchCount) / dispatch.Seconds(),
	}, nil
}

// ChurnMetrics contains metrics from connection churn testing.
type ChurnMetrics struct {
	TotalConnections    int64
	SuccessfulConnects  int64
	FailedConnects      int64
	TotalDisconnects    int64
	AvgConnectTimeMs    float64
	AvgDisconnectTimeMs float64
	Duration            time.Duration
	ChurnRate           float64
}

// ConnectFunc establishes a connection and returns a close function.
type ConnectFunc func(ctx context.Context) (closeFunc func() error, err error)

// ConnectionChurnTester repeatedly connects and disconnects.
type ConnectionChurnTester struct {
	concurrency int
	duration    time.Duration
	hold        time.Duration

	total, ok, failed, disconnects atomic.Int64

	mu            sync.Mutex
	connectSum    float64
	disconnectSum float64
}

// NewConnectionChurnTester creates a new connection churn tester.
func NewConnectionChurnTester(concurrency int, duration time.Duration) *ConnectionChurnTester {
	return &ConnectionChurnTester{
		concurrency: concurrency,
		duration:    duration,
		hold:        10 * time.Millisecond,
	}
}

// Run executes the connection churn test.
func (t *ConnectionChurnTester) Run(ctx context.Context, connect ConnectFunc) (*ChurnMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < t.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.runWorker(ctx, connect)
		}()
	}
	wg.Wait()

	m := &ChurnMetrics{
		TotalConnections:   t.total.Load(),
		SuccessfulConnects: t.ok.Load(),
		FailedConnects:     t.failed.Load(),
		TotalDisconnects:   t.disconnects.Load(),
		Duration:           time.Since(start),
	}
	if m.Duration > 0 {
		m.ChurnRate = float64(m.TotalConnections) / m.Duration.Seconds()
	}
	if m.SuccessfulConnects > 0 {
		m.AvgConnectTimeMs = t.connectSum / float64(m.SuccessfulConnects)
	}
	if m.TotalDisconnects > 0 {
		m.AvgDisconnectTimeMs = t.disconnectSum / float64(m.TotalDisconnects)
	}
	return m, nil
}

func (t *ConnectionChurnTester) runWorker(ctx context.Context, connect ConnectFunc) {
	for ctx.Err() == nil {
		connectStart := time.Now()
		closeFunc, err := connect(ctx)
		connectTime := time.Since(connectStart)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.total.Add(1)
			t.failed.Add(1)
			continue
		}
		t.total.Add(1)
		t.ok.Add(1)

		select {
		case <-time.After(t.hold):
		case <-ctx.Done():
		}

		disconnectStart := time.Now()
		if closeFunc != nil {
			closeFunc()
		}
		disconnectTime := time.Since(disconnectStart)
		t.disconnects.Add(1)

		t.mu.Lock()
		t.connectSum += float64(connectTime.Microseconds()) / 1000
		t.disconnectSum += float64(disconnectTime.Microseconds()) / 1000
		t.mu.Unlock()
	}
}

// RelayConnect returns a ConnectFunc that dials a relay and announces one
// tunnel to port on each connection.
func RelayConnect(typ transport.Type, addr string, opts transport.DialOptions, port int) ConnectFunc {
	return func(ctx context.Context) (func() error, error) {
		c, err := peer.Dial(ctx, typ, addr, opts, peer.Config{})
		if err != nil {
			return nil, err
		}
		if _, err := c.OpenTunnel(ctx, "churn", port); err != nil {
			c.Close()
			return nil, err
		}
		return c.Close, nil
	}
}

// ThroughputMetrics contains throughput test results.
type ThroughputMetrics struct {
	TotalBytes     int64
	Duration       time.Duration
	ThroughputMBps float64
	ThroughputGbps float64
}

// ThroughputTester writes as fast as possible for a fixed duration.
type ThroughputTester struct {
	duration   time.Duration
	bufferSize int
}

// NewThroughputTester creates a new throughput tester.
func NewThroughputTester(duration time.Duration, bufferSize int) *ThroughputTester {
	return &ThroughputTester{
		duration:   duration,
		bufferSize: bufferSize,
	}
}

// Run executes the throughput test.
func (t *ThroughputTester) Run(ctx context.Context, w io.Writer) (*ThroughputMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	data := make([]byte, t.bufferSize)
	rand.Read(data)

	m := &ThroughputMetrics{}
	start := time.Now()

	var writeErr error
	for ctx.Err() == nil {
		n, err := w.Write(data)
		m.TotalBytes += int64(n)
		if err != nil {
			writeErr = err
			break
		}
	}

	m.Duration = time.Since(start)
	if seconds := m.Duration.Seconds(); seconds > 0 {
		m.ThroughputMBps = float64(m.TotalBytes) / (1024 * 1024) / seconds
		m.ThroughputGbps = float64(m.TotalBytes) * 8 / (1000 * 1000 * 1000) / seconds
	}
	return m, writeErr
}
