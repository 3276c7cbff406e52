package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDecode_ProxyCreated(t *testing.T) {
	msg, env, err := Decode([]byte(`{"event":"proxyCreated","tunnelId":"t1","remotePort":8080}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	pc, ok := msg.(*ProxyCreated)
	if !ok {
		t.Fatalf("Decode() type = %T, want *ProxyCreated", msg)
	}
	if pc.TunnelID != "t1" || pc.RemotePort != 8080 {
		t.Errorf("ProxyCreated = %+v, want t1/8080", pc)
	}
	if pc.Event() != EventProxyCreated || pc.Tunnel() != "t1" {
		t.Errorf("Event()/Tunnel() = %s/%s", pc.Event(), pc.Tunnel())
	}
	if env.Event != EventProxyCreated {
		t.Errorf("envelope event = %s", env.Event)
	}
}

func TestDecode_DataKeepsRawPayload(t *testing.T) {
	raw := `{"event":"data","tunnelId":"t1","clientId":"c1","payload":"hello"}`
	msg, _, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	d, ok := msg.(*Data)
	if !ok {
		t.Fatalf("Decode() type = %T, want *Data", msg)
	}
	if d.ClientID != "c1" {
		t.Errorf("ClientID = %q, want c1", d.ClientID)
	}

	var fields map[string]any
	if err := json.Unmarshal(d.Raw, &fields); err != nil {
		t.Fatalf("Raw is not JSON: %v", err)
	}
	if fields["payload"] != "hello" {
		t.Errorf("Raw payload = %v, want hello", fields["payload"])
	}
}

func TestDecode_DataArgIsBase64(t *testing.T) {
	msg, _, err := Decode([]byte(`{"event":"data","tunnelId":"t1","clientId":"c1","arg":"aGVsbG8="}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := string(msg.(*Data).Arg); got != "hello" {
		t.Errorf("Arg = %q, want hello", got)
	}
}

func TestDecode_ConnectionAndClose(t *testing.T) {
	msg, _, err := Decode([]byte(`{"event":"connection","tunnelId":"t2","clientId":"c9"}`))
	if err != nil {
		t.Fatalf("Decode(connection) error = %v", err)
	}
	if c, ok := msg.(*Connection); !ok || c.ClientID != "c9" || c.TunnelID != "t2" {
		t.Errorf("Decode(connection) = %#v", msg)
	}

	msg, _, err = Decode([]byte("  {\"event\":\"proxyClosed\",\"tunnelId\":\"t2\"}\n"))
	if err != nil {
		t.Fatalf("Decode(proxyClosed) error = %v", err)
	}
	if _, ok := msg.(*ProxyClosed); !ok {
		t.Errorf("Decode(proxyClosed) type = %T", msg)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"not json", `hello`, ErrMalformedMessage},
		{"array", `[1,2]`, ErrMalformedMessage},
		{"null", `null`, ErrMalformedMessage},
		{"missing event", `{"tunnelId":"t1"}`, ErrMalformedMessage},
		{"missing tunnel", `{"event":"data"}`, ErrMalformedMessage},
		{"missing port", `{"event":"proxyCreated","tunnelId":"t1"}`, ErrMalformedMessage},
		{"zero port", `{"event":"proxyCreated","tunnelId":"t1","remotePort":0}`, ErrMalformedMessage},
		{"port too big", `{"event":"proxyCreated","tunnelId":"t1","remotePort":70000}`, ErrMalformedMessage},
		{"port as string", `{"event":"proxyCreated","tunnelId":"t1","remotePort":"80"}`, ErrMalformedMessage},
		{"bad base64", `{"event":"data","tunnelId":"t1","arg":"!!"}`, ErrMalformedMessage},
		{"unknown event", `{"event":"reticulate","tunnelId":"t1"}`, ErrUnrecognizedEvent},
		{"outbound event inbound", `{"event":"end","tunnelId":"t1"}`, ErrUnrecognizedEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, env, err := Decode([]byte(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
			}
			if msg != nil {
				t.Errorf("Decode() message = %#v, want nil", msg)
			}
			if env == nil {
				t.Error("Decode() envelope should never be nil")
			}
		})
	}
}

func TestDecode_UnrecognizedKeepsTunnelForReporting(t *testing.T) {
	_, env, err := Decode([]byte(`{"event":"reticulate","tunnelId":"t7"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if env.TunnelID != "t7" || env.Event != "reticulate" {
		t.Errorf("envelope = %+v, want tunnel t7 event reticulate", env)
	}
}

func TestEncode_OmitsUnusedFields(t *testing.T) {
	out, err := Encode(&Envelope{Event: EventEnd, TunnelID: "t1", ClientID: "c1"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := `{"event":"end","tunnelId":"t1","clientId":"c1"}`
	if out != want {
		t.Errorf("Encode() = %s, want %s", out, want)
	}

	out, err = Encode(&Envelope{Event: EventData, TunnelID: "t1", ClientID: "c1", Arg: []byte("hi")})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(out, `"arg":"aGk="`) {
		t.Errorf("Encode() = %s, want base64 arg", out)
	}
}

func TestEncode_ProxyCreatedDecodes(t *testing.T) {
	out, err := Encode(&Envelope{Event: EventProxyCreated, TunnelID: "t1", RemotePort: Port(9090)})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	msg, _, err := Decode([]byte(out))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.(*ProxyCreated).RemotePort != 9090 {
		t.Errorf("RemotePort = %d, want 9090", msg.(*ProxyCreated).RemotePort)
	}
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", ErrMalformedMessage), ErrorTypeMalformed},
		{fmt.Errorf("wrap: %w", ErrUnknownTunnel), ErrorTypeUnknown},
		{ErrUnrecognizedEvent, ErrorTypeUnrecognized},
		{errors.New("other"), ErrorTypeOther},
	}
	for _, tt := range tests {
		if got := ErrorType(tt.err); got != tt.want {
			t.Errorf("ErrorType(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
