package integration

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/tunnel-relay/internal/peer"
	"github.com/postalsys/tunnel-relay/internal/protocol"
	"github.com/postalsys/tunnel-relay/internal/transport"
)

// TestTargetHalfClose verifies that bytes written before the target closes
// its write side all reach the peer, followed by EOF.
func TestTargetHalfClose(t *testing.T) {
	skipShort(t)

	h := startRelay(t, nil)
	ctx := context.Background()

	port := listen(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		conn.Write([]byte("pong:"))
		conn.Write(buf)
		conn.(*net.TCPConn).CloseWrite()

		// Hold the read side until the relay hangs up.
		io.Copy(io.Discard, conn)
	})

	for _, typ := range allTransports {
		t.Run(string(typ), func(t *testing.T) {
			client := h.dialPeer(t, typ)
			tun, err := client.OpenTunnel(ctx, "half", port)
			if err != nil {
				t.Fatalf("OpenTunnel() error = %v", err)
			}
			s, err := tun.Connect(ctx, "c1")
			if err != nil {
				t.Fatalf("Connect() error = %v", err)
			}

			if _, err := s.Write([]byte("ping")); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			data, err := io.ReadAll(s)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if string(data) != "pong:ping" {
				t.Errorf("got %q, want %q", data, "pong:ping")
			}

			select {
			case <-s.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("relay did not close the client after EOF")
			}
			if _, err := s.Write([]byte("late")); !errors.Is(err, peer.ErrStreamClosed) {
				t.Errorf("Write() after close error = %v, want ErrStreamClosed", err)
			}
		})
	}
}

// TestTargetEOFEventOrder checks the raw event sequence: data, end, close.
func TestTargetEOFEventOrder(t *testing.T) {
	skipShort(t)

	h := startRelay(t, nil)
	conn := h.dialRaw(t, transport.TypeWebSocket)
	port := replyServer(t, "bye")

	send(t, conn, &protocol.Envelope{Event: protocol.EventProxyCreated, TunnelID: "t1", RemotePort: protocol.Port(port)})
	send(t, conn, &protocol.Envelope{Event: protocol.EventConnection, TunnelID: "t1", ClientID: "c1"})

	var events []protocol.Event
	var data []byte
	for len(events) == 0 || events[len(events)-1] != protocol.EventClose {
		env := receive(t, conn)
		if env.TunnelID != "t1" || env.ClientID != "c1" {
			t.Fatalf("unexpected message %+v", env)
		}
		if env.Event == protocol.EventData {
			data = append(data, env.Arg...)
			continue
		}
		events = append(events, env.Event)
	}

	if string(data) != "bye" {
		t.Errorf("data = %q, want %q", data, "bye")
	}
	if len(events) != 2 || events[0] != protocol.EventEnd {
		t.Errorf("events = %v, want [end close]", events)
	}
}
