// Package relay accepts transport connections and hands each one to the
// subscriber registered for the channel it asked for.
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/postalsys/tunnel-relay/internal/logging"
	"github.com/postalsys/tunnel-relay/internal/metrics"
	"github.com/postalsys/tunnel-relay/internal/recovery"
	"github.com/postalsys/tunnel-relay/internal/transport"
)

// Registry errors.
var (
	ErrChannelExists  = errors.New("channel already has a subscriber")
	ErrInvalidChannel = errors.New("invalid channel name")
	ErrNilHandler     = errors.New("nil handler")
	ErrRegistryClosed = errors.New("registry closed")
)

// Handler receives every new connection on one channel.
type Handler interface {
	OnConnection(conn transport.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn transport.Conn)

// OnConnection calls f(conn).
func (f HandlerFunc) OnConnection(conn transport.Conn) { f(conn) }

// Registry maps channel names to handlers.
type Registry struct {
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(m *metrics.Metrics, logger *slog.Logger) *Registry {
	if m == nil {
		m = metrics.NewDiscard()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		metrics:  m,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// AddSubscriber registers handler for channel. Each channel has at most one
// handler.
func (r *Registry) AddSubscriber(channel string, handler Handler) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	if handler == nil {
		return ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.handlers[channel]; exists {
		return fmt.Errorf("%w: %s", ErrChannelExists, channel)
	}
	r.handlers[channel] = handler

	r.logger.Debug("subscriber added", logging.KeyChannel, channel)
	return nil
}

// Dispatch hands conn to its channel's handler. Connections for unknown
// channels, or arriving after Close, are closed. It reports whether a
// handler took the connection.
func (r *Registry) Dispatch(conn transport.Conn) bool {
	channel := conn.Channel()

	r.mu.RLock()
	handler, ok := r.handlers[channel]
	closed := r.closed
	r.mu.RUnlock()

	if closed || !ok {
		reason := "unknown_channel"
		if closed {
			reason = "shutting_down"
		}
		r.logger.Warn("connection rejected",
			logging.KeyChannel, channel,
			logging.KeyTransport, conn.Type(),
			logging.KeyRemoteAddr, conn.RemoteAddr(),
			"reason", reason)
		r.metrics.RecordConnectionRejected(reason)
		conn.Close()
		return false
	}

	err := recovery.Call(r.logger, "OnConnection", func() error {
		handler.OnConnection(conn)
		return nil
	})
	if err != nil {
		r.metrics.RecordConnectionRejected("handler_panic")
		conn.Close()
		return false
	}
	return true
}

// Channels returns the registered channel names, sorted.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops accepting dispatches and closes every handler that is an
// io.Closer.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handlers := make(map[string]Handler, len(r.handlers))
	for k, v := range r.handlers {
		handlers[k] = v
	}
	r.mu.Unlock()

	var errs []error
	for channel, h := range handlers {
		c, ok := h.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", channel, err))
		}
	}
	return errors.Join(errs...)
}
