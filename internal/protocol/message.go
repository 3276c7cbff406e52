// Package protocol defines the JSON messages exchanged on a tunnel channel.
//
// Every transport frame carries one JSON object. Inbound objects (peer to
// relay) are decoded into one of the Message variants below. Outbound objects
// (relay to peer) are built as Envelope values and encoded with Encode.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event names an envelope kind.
type Event string

// Inbound events.
const (
	EventProxyCreated Event = "proxyCreated"
	EventConnection   Event = "connection"
	EventData         Event = "data"
	EventProxyClosed  Event = "proxyClosed"
)

// Outbound events, sent by a session back to the peer. EventData is shared.
const (
	EventEnd   Event = "end"
	EventClose Event = "close"
	EventError Event = "error"
)

// Envelope is the wire form of every message. Fields not used by an event
// are omitted on encode.
type Envelope struct {
	Event      Event  `json:"event"`
	TunnelID   string `json:"tunnelId"`
	RemotePort *int   `json:"remotePort,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
	Arg        []byte `json:"arg,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Message is an inbound message. The concrete type is one of *ProxyCreated,
// *Connection, *Data or *ProxyClosed.
type Message interface {
	Event() Event
	Tunnel() string
	isMessage()
}

// ProxyCreated announces a new tunnel forwarding to RemotePort.
type ProxyCreated struct {
	TunnelID   string
	RemotePort int
}

// Connection announces a new client on the peer's proxy listener.
type Connection struct {
	TunnelID string
	ClientID string
	Raw      json.RawMessage
}

// Data carries bytes from a client of the peer's proxy listener.
type Data struct {
	TunnelID string
	ClientID string
	Arg      []byte
	Raw      json.RawMessage
}

// ProxyClosed announces that the peer tore the tunnel down.
type ProxyClosed struct {
	TunnelID string
}

func (*ProxyCreated) Event() Event { return EventProxyCreated }
func (*Connection) Event() Event   { return EventConnection }
func (*Data) Event() Event         { return EventData }
func (*ProxyClosed) Event() Event  { return EventProxyClosed }

func (m *ProxyCreated) Tunnel() string { return m.TunnelID }
func (m *Connection) Tunnel() string   { return m.TunnelID }
func (m *Data) Tunnel() string         { return m.TunnelID }
func (m *ProxyClosed) Tunnel() string  { return m.TunnelID }

func (*ProxyCreated) isMessage() {}
func (*Connection) isMessage()   {}
func (*Data) isMessage()         {}
func (*ProxyClosed) isMessage()  {}

// MaxRemotePort is the largest valid TCP port.
const MaxRemotePort = 65535

// Decode parses one inbound frame.
//
// It fails with ErrMalformedMessage when the text is not a JSON object, the
// tunnel id is missing, or an event-specific field is missing or invalid, and
// with ErrUnrecognizedEvent when the event name is not an inbound kind. On
// failure the returned *Envelope holds whatever could be decoded, so callers
// can still report the tunnel id and event.
func Decode(raw []byte) (Message, *Envelope, error) {
	raw = bytes.TrimSpace(raw)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &env, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Event == "" {
		return nil, &env, fmt.Errorf("%w: missing event", ErrMalformedMessage)
	}

	switch env.Event {
	case EventProxyCreated, EventConnection, EventData, EventProxyClosed:
	default:
		return nil, &env, fmt.Errorf("%w: %q", ErrUnrecognizedEvent, env.Event)
	}

	if env.TunnelID == "" {
		return nil, &env, fmt.Errorf("%w: missing tunnelId", ErrMalformedMessage)
	}

	switch env.Event {
	case EventProxyCreated:
		if env.RemotePort == nil {
			return nil, &env, fmt.Errorf("%w: proxyCreated without remotePort", ErrMalformedMessage)
		}
		port := *env.RemotePort
		if port <= 0 || port > MaxRemotePort {
			return nil, &env, fmt.Errorf("%w: remotePort %d out of range", ErrMalformedMessage, port)
		}
		return &ProxyCreated{TunnelID: env.TunnelID, RemotePort: port}, &env, nil

	case EventConnection:
		return &Connection{
			TunnelID: env.TunnelID,
			ClientID: env.ClientID,
			Raw:      json.RawMessage(raw),
		}, &env, nil

	case EventData:
		return &Data{
			TunnelID: env.TunnelID,
			ClientID: env.ClientID,
			Arg:      env.Arg,
			Raw:      json.RawMessage(raw),
		}, &env, nil

	default:
		return &ProxyClosed{TunnelID: env.TunnelID}, &env, nil
	}
}

// Encode serializes an outbound envelope.
func Encode(env *Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", env.Event, err)
	}
	return string(data), nil
}

// Port returns a pointer to p for building ProxyCreated envelopes.
func Port(p int) *int {
	return &p
}
