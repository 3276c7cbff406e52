package peer

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/tunnel-relay/internal/logging"
	"github.com/postalsys/tunnel-relay/internal/transport"
)

// ReconnectConfig contains configuration for reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 means unlimited
	Jitter       float64
}

// DefaultReconnectConfig returns the default backoff settings.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// BackoffCalculator calculates backoff delays.
type BackoffCalculator struct {
	cfg ReconnectConfig
}

// NewBackoffCalculator creates a new backoff calculator.
func NewBackoffCalculator(cfg ReconnectConfig) *BackoffCalculator {
	return &BackoffCalculator{cfg: cfg}
}

// CalculateDelay returns the delay before attempt (0-indexed), without jitter.
func (b *BackoffCalculator) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.cfg.InitialDelay
	}

	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// WithJitter spreads d by up to +/- Jitter of its length.
func (b *BackoffCalculator) WithJitter(d time.Duration) time.Duration {
	if b.cfg.Jitter <= 0 {
		return d
	}
	spread := float64(d) * b.cfg.Jitter
	result := time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	if result < 0 {
		return d
	}
	return result
}

// ErrMaxAttempts is returned by Supervisor.Run when the dial budget is spent.
var ErrMaxAttempts = errors.New("reconnect attempts exhausted")

// DialFunc establishes one transport connection.
type DialFunc func(ctx context.Context) (transport.Conn, error)

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Reconnect ReconnectConfig
	Client    Config

	// OnConnect runs for every new connection, typically to announce
	// tunnels. The relay keeps a fresh tunnel table per connection, so
	// tunnels must be announced again after each reconnect. An error drops
	// the connection and schedules a retry.
	OnConnect func(ctx context.Context, c *Client) error

	Logger *slog.Logger
}

// Supervisor keeps a Client connected, redialing with exponential backoff.
type Supervisor struct {
	dial    DialFunc
	cfg     SupervisorConfig
	backoff *BackoffCalculator
	logger  *slog.Logger

	state       atomic.Int32
	attempts    atomic.Int64
	connections atomic.Int64

	mu      sync.Mutex
	current *Client
}

// NewSupervisor creates a supervisor using dial for every attempt.
func NewSupervisor(dial DialFunc, cfg SupervisorConfig) *Supervisor {
	if cfg.Reconnect.InitialDelay <= 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Client.Logger == nil {
		cfg.Client.Logger = cfg.Logger
	}
	s := &Supervisor{
		dial:    dial,
		cfg:     cfg,
		backoff: NewBackoffCalculator(cfg.Reconnect),
		logger:  cfg.Logger.With(logging.KeyComponent, "peer.supervisor"),
	}
	s.state.Store(int32(StateDisconnected))
	return s
}

// State returns the supervisor's connection state.
func (s *Supervisor) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Attempts returns consecutive failed attempts since the last success.
func (s *Supervisor) Attempts() int {
	return int(s.attempts.Load())
}

// Connections returns how many connections have been established.
func (s *Supervisor) Connections() int {
	return int(s.connections.Load())
}

// Client returns the live client, or nil between connections.
func (s *Supervisor) Client() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Run dials and redials until ctx is canceled or MaxAttempts consecutive
// attempts fail.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.state.Store(int32(StateDisconnected))

	for {
		if s.connections.Load() == 0 {
			s.state.Store(int32(StateConnecting))
		} else {
			s.state.Store(int32(StateReconnecting))
		}

		client, err := s.connect(ctx)
		if err == nil {
			s.attempts.Store(0)
			s.state.Store(int32(StateConnected))

			select {
			case <-client.Done():
				s.logger.Info("relay connection lost", logging.KeyError, client.Err())
			case <-ctx.Done():
				client.Close()
			}
			s.setCurrent(nil)
		} else if ctx.Err() == nil {
			s.logger.Warn("relay connection attempt failed",
				"attempt", s.attempts.Load(),
				logging.KeyError, err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that was up restarts the backoff from InitialDelay.
		delay := s.backoff.WithJitter(s.cfg.Reconnect.InitialDelay)
		if err != nil {
			failed := int(s.attempts.Add(1))
			if limit := s.cfg.Reconnect.MaxAttempts; limit > 0 && failed >= limit {
				return ErrMaxAttempts
			}
			delay = s.backoff.WithJitter(s.backoff.CalculateDelay(failed - 1))
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) (*Client, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	client := NewClient(conn, s.cfg.Client)
	if s.cfg.OnConnect != nil {
		if err := s.cfg.OnConnect(ctx, client); err != nil {
			client.Close()
			return nil, err
		}
	}

	s.connections.Add(1)
	s.setCurrent(client)
	s.logger.Info("connected to relay", logging.KeyRemoteAddr, conn.RemoteAddr())
	return client, nil
}

func (s *Supervisor) setCurrent(c *Client) {
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
}
