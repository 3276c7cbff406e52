package protocol

import (
	"errors"
)

// Per-message errors. None of them is fatal to the connection.
var (
	// ErrMalformedMessage means the frame is not a valid envelope.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownTunnel means a connection, data or proxyClosed message named
	// a tunnel id with no live session.
	ErrUnknownTunnel = errors.New("unknown tunnel")

	// ErrUnrecognizedEvent means the event name is not an inbound kind.
	ErrUnrecognizedEvent = errors.New("unrecognized event")
)

// Error type labels used in logs and metrics.
const (
	ErrorTypeMalformed    = "malformed_message"
	ErrorTypeUnknown      = "unknown_tunnel"
	ErrorTypeUnrecognized = "unrecognized_event"
	ErrorTypeOther        = "other"
)

// ErrorType maps err to a short label.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrMalformedMessage):
		return ErrorTypeMalformed
	case errors.Is(err, ErrUnknownTunnel):
		return ErrorTypeUnknown
	case errors.Is(err, ErrUnrecognizedEvent):
		return ErrorTypeUnrecognized
	default:
		return ErrorTypeOther
	}
}
