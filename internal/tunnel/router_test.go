package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/tunnel-relay/internal/metrics"
	"github.com/postalsys/tunnel-relay/internal/protocol"
	"github.com/postalsys/tunnel-relay/internal/transport"
)

// recordingSession records everything the router hands it.
type recordingSession struct {
	tunnelID   string
	remotePort int

	mu      sync.Mutex
	msgs    []protocol.Message
	closes  int
	sendErr error
	panics  bool
}

func (s *recordingSession) Send(msg protocol.Message) error {
	if s.panics {
		panic("session exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *recordingSession) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.msgs...)
}

func (s *recordingSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// sessionRecorder is a SessionFactory that keeps every session it built.
type sessionRecorder struct {
	mu       sync.Mutex
	sessions []*recordingSession
	err      error
	panics   bool
}

func (f *sessionRecorder) New(tunnelID string, remotePort int, _ transport.Conn) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &recordingSession{tunnelID: tunnelID, remotePort: remotePort, panics: f.panics}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *sessionRecorder) built() []*recordingSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*recordingSession(nil), f.sessions...)
}

func newTestRouter(t *testing.T, f *sessionRecorder, mutate ...func(*RouterConfig)) (*Router, transport.Conn) {
	t.Helper()
	local, peer := transport.Pipe("tunnel")
	cfg := RouterConfig{
		NewSession: f.New,
		Metrics:    metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	r := NewRouter(local, cfg)
	t.Cleanup(func() {
		r.Close()
		peer.Close()
	})
	return r, peer
}

func created(id string, port int) string {
	return fmt.Sprintf(`{"event":"proxyCreated","tunnelId":%q,"remotePort":%d}`, id, port)
}

func data(id, payload string) string {
	return fmt.Sprintf(`{"event":"data","tunnelId":%q,"payload":%q}`, id, payload)
}

func closed(id string) string {
	return fmt.Sprintf(`{"event":"proxyClosed","tunnelId":%q}`, id)
}

func mustHandle(t *testing.T, r *Router, raw string) {
	t.Helper()
	if err := r.HandleMessage(raw); err != nil {
		t.Fatalf("HandleMessage(%s) error = %v", raw, err)
	}
}

func payloadOf(t *testing.T, msg protocol.Message) string {
	t.Helper()
	var raw json.RawMessage
	switch m := msg.(type) {
	case *protocol.Data:
		raw = m.Raw
	case *protocol.Connection:
		raw = m.Raw
	default:
		t.Fatalf("unexpected message type %T", msg)
	}
	var body struct {
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("Unmarshal raw: %v", err)
	}
	return body.Payload
}

func TestRouter_ForwardsInArrivalOrder(t *testing.T) {
	f := &sessionRecorder{}
	r, _ := newTestRouter(t, f)

	mustHandle(t, r, created("t1", 8080))
	mustHandle(t, r, `{"event":"connection","tunnelId":"t1","clientId":"c1","payload":"p0"}`)
	for i := 1; i <= 5; i++ {
		mustHandle(t, r, data("t1", fmt.Sprintf("p%d", i)))
	}

	sessions := f.built()
	if len(sessions) != 1 {
		t.Fatalf("built %d sessions, want 1", len(sessions))
	}
	s := sessions[0]
	if s.tunnelID != "t1" || s.remotePort != 8080 {
		t.Errorf("session = (%q, %d), want (t1, 8080)", s.tunnelID, s.remotePort)
	}

	msgs := s.messages()
	if len(msgs) != 6 {
		t.Fatalf("session received %d messages, want 6", len(msgs))
	}
	if msgs[0].Event() != protocol.EventConnection {
		t.Errorf("first message = %s, want connection", msgs[0].Event())
	}
	for i, msg := range msgs {
		if got, want := payloadOf(t, msg), fmt.Sprintf("p%d", i); got != want {
			t.Errorf("message %d payload = %q, want %q", i, got, want)
		}
	}
}

func TestRouter_EndToEndScenario(t *testing.T) {
	f := &sessionRecorder{}
	r, _ := newTestRouter(t, f)

	mustHandle(t, r, `{"event":"proxyCreated","tunnelId":"t1","remotePort":8080}`)
	mustHandle(t, r, `{"event":"data","tunnelId":"t1","payload":"hello"}`)

	s := f.built()[0]
	msgs := s.messages()
	if len(msgs) != 1 {
		t.Fatalf("session received %d messages, want 1", len(msgs))
	}
	if msgs[0].Event() != protocol.EventData || payloadOf(t, msgs[0]) != "hello" {
		t.Errorf("session received %s %q, want data hello", msgs[0].Event(), payloadOf(t, msgs[0]))
	}

	mustHandle(t, r, `{"event":"proxyClosed","tunnelId":"t1"}`)
	if got := s.closeCount(); got != 1 {
		t.Errorf("Close() called %d times, want 1", got)
	}
	if _, ok := r.Lookup("t1"); ok {
		t.Error("table still contains t1")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRouter_DataAfterCloseIsUnknown(t *testing.T) {
	f := &sessionRecorder{}
	r, _ := newTestRouter(t, f)

	mustHandle(t, r, created("t1", 8080))
	mustHandle(t, r, closed("t1"))

	err := r.HandleMessage(data("t1", "late"))
	if !errors.Is(err, protocol.ErrUnknownTunnel) {
		t.Fatalf("HandleMessage() error = %v, want ErrUnknownTunnel", err)
	}
	if n := len(f.built()[0].messages()); n != 0 {
		t.Errorf("closed session received %d messages", n)
	}

	// A new proxyCreated revives the id with a fresh session.
	mustHandle(t, r, created("t1", 9090))
	mustHandle(t, r, data("t1", "again"))
	sessions := f.built()
	if len(sessions) != 2 || len(sessions[1].messages()) != 1 {
		t.Errorf("revived tunnel did not receive data")
	}
}

func TestRouter_TunnelsAreIndependent(t *testing.T) {
	f := &sessionRecorder{}
	r, _ := newTestRouter(t, f)

	mustHandle(t, r, created("a", 1000))
	mustHandle(t, r, created("b", 2000))
	mustHandle(t, r, data("a", "for-a"))
	mustHandle(t, r, data("b", "for-b"))
	mustHandle(t, r, data("a", "for-a-2"))

	sessions := f.built()
	a, b := sessions[0], sessions[1]
	for _, msg := range a.messages() {
		if msg.Tunnel() != "a" {
			t.Errorf("session a received message for %q", msg.Tunnel())
		}
	}
	for _, msg := range b.messages() {
		if msg.Tunnel() != "b" {
			t.Errorf("session b received message for %q", msg.Tunnel())
		}
	}
	if len(a.messages()) != 2 || len(b.messages()) != 1 {
		t.Errorf("a got %d, b got %d; want 2 and 1", len(a.messages()), len(b.messages()))
	}

	mustHandle(t, r, closed("a"))
	if b.closeCount() != 0 {
		t.Error("closing a closed b")
	}
	if ids := r.TunnelIDs(); len(ids) != 1 || ids[0] != "b" {
		t.Errorf("TunnelIDs() = %v, want [b]", ids)
	}
}

func TestRouter_UnknownTunnelBuildsNothing(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"data", data("ghost", "x")},
		{"connection", `{"event":"connection","tunnelId":"ghost","clientId":"c1"}`},
		{"proxyClosed", closed("ghost")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &sessionRecorder{}
			r, _ := newTestRouter(t, f)

			err := r.HandleMessage(tt.raw)
			if !errors.Is(err, protocol.ErrUnknownTunnel) {
				t.Errorf("HandleMessage() error = %v, want ErrUnknownTunnel", err)
			}
			if n := len(f.built()); n != 0 {
				t.Errorf("built %d sessions, want 0", n)
			}
		})
	}
}

func TestRouter_DuplicateCreateOverwrites(t *testing.T) {
	f := &sessionRecorder{}
	r, _ := newTestRouter(t, f)

	mustHandle(t, r, created("t1", 8080))
	mustHandle(t, r, created("t1", 9090))
	mustHandle(t, r, data("t1", "x"))

	sessions := f.built()
	if len(sessions) != 2 {
		t.Fatalf("built %d sessions, want 2", len(sessions))
	}
	first, second := sessions[0], sessions[1]
	if n := len(first.messages()); n != 0 {
		t.Errorf("replaced session received %d messages", n)
	}
	if n := len(second.messages()); n != 1 {
		t.Errorf("new session received %d messages, want 1", n)
	}
	if first.closeCount() != 0 {
		t.Error("replaced session was closed by default")
	}
	if second.remotePort != 9090 {
		t.Errorf("new session port = %d, want 9090", second.remotePort)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRouter_CloseReplaced(t *testing.T) {
	f := &sessionRecorder{}
	r, _ := newTestRouter(t, f, func(c *RouterConfig) { c.CloseReplaced = true })

	mustHandle(t, r, created("t1", 8080))
	mustHandle(t, r, created("t1", 9090))

	sessions := f.built()
	if sessions[0].closeCount() != 1 {
		t.Errorf("replaced session closed %d times, want 1", sessions[0].closeCount())
	}
	if sessions[1].closeCount() != 0 {
		t.Error("new session closed")
	}
}

func TestRouter_BadMessagesDoNotStopRouting(t *testing.T) {
	f := &sessionRecorder{}
	r, _ := newTestRouter(t, f)

	mustHandle(t, r, created("t1", 8080))

	bad := []struct {
		raw  string
		want error
	}{
		{`not json`, protocol.ErrMalformedMessage},
		{`{"tunnelId":"t1"}`, protocol.ErrMalformedMessage},
		{`{"event":"proxyCreated","tunnelId":"t2"}`, protocol.ErrMalformedMessage},
		{`{"event":"proxyCreated","tunnelId":"t2","remotePort":70000}`, protocol.ErrMalformedMessage},
		{`{"event":"reboot","tunnelId":"t1"}`, protocol.ErrUnrecognizedEvent},
		{data("nope", "x"), protocol.ErrUnknownTunnel},
	}
	for _, b := range bad {
		if err := r.HandleMessage(b.raw); !errors.Is(err, b.want) {
			t.Errorf("HandleMessage(%s) error = %v, want %v", b.raw, err, b.want)
		}
	}

	mustHandle(t, r, data("t1", "still-works"))
	if n := len(f.built()[0].messages()); n != 1 {
		t.Errorf("session received %d messages after bad input, want 1", n)
	}
}

func TestRouter_PanickingSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	f := &sessionRecorder{panics: true}
	r, _ := newTestRouter(t, f, func(c *RouterConfig) { c.Metrics = m })

	mustHandle(t, r, created("t1", 8080))

	err := r.HandleMessage(data("t1", "boom"))
	if err == nil {
		t.Fatal("HandleMessage() should report the panic")
	}
	if got := testutil.ToFloat64(m.MessageHandlePanics); got != 1 {
		t.Errorf("MessageHandlePanics = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MessageErrors.WithLabelValues("panic")); got != 1 {
		t.Errorf("MessageErrors{panic} = %v, want 1", got)
	}

	// The table is intact and later messages are still handled.
	mustHandle(t, r, created("t2", 9090))
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRouter_SendErrorIsReported(t *testing.T) {
	f := &sessionRecorder{}
	r, _ := newTestRouter(t, f)

	mustHandle(t, r, created("t1", 8080))
	f.built()[0].sendErr = errors.New("queue full")

	if err := r.HandleMessage(data("t1", "x")); err == nil {
		t.Error("HandleMessage() should return the session error")
	}
	if r.Len() != 1 {
		t.Error("send error removed the tunnel")
	}
}

func TestRouter_FactoryError(t *testing.T) {
	f := &sessionRecorder{err: errors.New("no resources")}
	r, _ := newTestRouter(t, f)

	if err := r.HandleMessage(created("t1", 8080)); err == nil {
		t.Error("HandleMessage() should fail when the session cannot be built")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRouter_MaxTunnels(t *testing.T) {
	f := &sessionRecorder{}
	r, _ := newTestRouter(t, f, func(c *RouterConfig) { c.MaxTunnels = 2 })

	mustHandle(t, r, created("a", 1))
	mustHandle(t, r, created("b", 2))

	if err := r.HandleMessage(created("c", 3)); !errors.Is(err, ErrTunnelLimit) {
		t.Errorf("third tunnel error = %v, want ErrTunnelLimit", err)
	}
	// Overwriting a live id is allowed at the limit.
	mustHandle(t, r, created("a", 4))

	mustHandle(t, r, closed("b"))
	mustHandle(t, r, created("c", 3))

	if ids := r.TunnelIDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Errorf("TunnelIDs() = %v, want [a c]", ids)
	}
}

func TestRouter_RunClosesSessionsOnDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	f := &sessionRecorder{}
	r, peer := newTestRouter(t, f, func(c *RouterConfig) { c.Metrics = m })

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	ctx := context.Background()
	peer.Send(ctx, created("t1", 8080))
	peer.Send(ctx, created("t2", 8081))
	peer.Send(ctx, created("t3", 8082))
	peer.Send(ctx, closed("t3"))
	peer.Send(ctx, data("t1", "x"))
	peer.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after disconnect")
	}

	for _, s := range f.built() {
		if got := s.closeCount(); got != 1 {
			t.Errorf("session %s closed %d times, want 1", s.tunnelID, got)
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after disconnect, want 0", r.Len())
	}
	if got := testutil.ToFloat64(m.TunnelsReaped); got != 2 {
		t.Errorf("TunnelsReaped = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TunnelsActive); got != 0 {
		t.Errorf("TunnelsActive = %v, want 0", got)
	}

	if err := r.HandleMessage(created("t9", 1)); !errors.Is(err, ErrRouterClosed) {
		t.Errorf("proxyCreated after close error = %v, want ErrRouterClosed", err)
	}
}

func TestRouter_RunStopsOnCancel(t *testing.T) {
	f := &sessionRecorder{}
	r, peer := newTestRouter(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	peer.Send(context.Background(), created("t1", 8080))
	deadline := time.Now().Add(5 * time.Second)
	for r.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if f.built()[0].closeCount() != 1 {
		t.Error("session not closed on cancel")
	}
}

func TestRouter_MessageMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	f := &sessionRecorder{}
	r, _ := newTestRouter(t, f, func(c *RouterConfig) { c.Metrics = m })

	mustHandle(t, r, created("t1", 8080))
	mustHandle(t, r, data("t1", "a"))
	mustHandle(t, r, data("t1", "b"))
	r.HandleMessage(data("t2", "c"))
	r.HandleMessage("{")

	if got := testutil.ToFloat64(m.MessagesReceived.WithLabelValues("data")); got != 3 {
		t.Errorf("MessagesReceived{data} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.MessageErrors.WithLabelValues(protocol.ErrorTypeUnknown)); got != 1 {
		t.Errorf("MessageErrors{unknown_tunnel} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MessageErrors.WithLabelValues(protocol.ErrorTypeMalformed)); got != 1 {
		t.Errorf("MessageErrors{malformed_message} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TunnelsActive); got != 1 {
		t.Errorf("TunnelsActive = %v, want 1", got)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) TunnelOpened(info TunnelInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, fmt.Sprintf("open %s %d", info.TunnelID, info.RemotePort))
}

func (o *recordingObserver) TunnelClosed(_, tunnelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "close "+tunnelID)
}

func TestRouter_Observer(t *testing.T) {
	obs := &recordingObserver{}
	f := &sessionRecorder{}
	r, _ := newTestRouter(t, f, func(c *RouterConfig) { c.Observer = obs })

	mustHandle(t, r, created("t1", 8080))
	mustHandle(t, r, created("t2", 8081))
	mustHandle(t, r, closed("t1"))
	r.Close()

	want := []string{"open t1 8080", "open t2 8081", "close t1", "close t2"}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if fmt.Sprint(obs.events) != fmt.Sprint(want) {
		t.Errorf("observer events = %v, want %v", obs.events, want)
	}
}

func TestRouter_Tunnels(t *testing.T) {
	f := &sessionRecorder{}
	r, _ := newTestRouter(t, f)

	mustHandle(t, r, created("b", 2))
	mustHandle(t, r, created("a", 1))

	infos := r.Tunnels()
	if len(infos) != 2 || infos[0].TunnelID != "a" || infos[1].RemotePort != 2 {
		t.Errorf("Tunnels() = %+v", infos)
	}
	if infos[0].ConnID != r.ConnectionID() {
		t.Errorf("ConnID = %q, want %q", infos[0].ConnID, r.ConnectionID())
	}
	if infos[0].Transport != transport.TypePipe {
		t.Errorf("Transport = %q, want pipe", infos[0].Transport)
	}
}
