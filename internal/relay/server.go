package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/tunnel-relay/internal/config"
	"github.com/postalsys/tunnel-relay/internal/forward"
	"github.com/postalsys/tunnel-relay/internal/health"
	"github.com/postalsys/tunnel-relay/internal/logging"
	"github.com/postalsys/tunnel-relay/internal/metrics"
	"github.com/postalsys/tunnel-relay/internal/recovery"
	"github.com/postalsys/tunnel-relay/internal/state"
	"github.com/postalsys/tunnel-relay/internal/transport"
	"github.com/postalsys/tunnel-relay/internal/tunnel"
)

// ChannelTunnel is the channel the tunnel subscriber is registered on.
const ChannelTunnel = "tunnel"

// Options supplies dependencies that are not part of the config file.
type Options struct {
	// Metrics defaults to metrics.Default().
	Metrics *metrics.Metrics

	// Gatherer backs the health /metrics endpoint. Defaults to
	// prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Store overrides the configured state backend.
	Store state.Store

	Logger *slog.Logger
}

// Server runs the listeners and the tunnel subscriber.
type Server struct {
	cfg        *config.Config
	instanceID string
	logger     *slog.Logger
	metrics    *metrics.Metrics

	registry   *Registry
	subscriber *tunnel.Subscriber
	store      state.Store
	counters   *forward.Counters
	health     *health.Server

	mu        sync.Mutex
	listeners []transport.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  time.Time
	running  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// New builds a server from cfg. Nothing listens until Start.
func New(cfg *config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}

	instanceID := cfg.ResolveInstanceID()

	store := opts.Store
	if store == nil {
		var err error
		store, err = state.New(state.Config{
			Backend:    cfg.State.Backend,
			InstanceID: instanceID,
			Redis: state.RedisConfig{
				Address:   cfg.State.Redis.Address,
				Password:  cfg.State.Redis.Password,
				DB:        cfg.State.Redis.DB,
				KeyPrefix: cfg.State.Redis.KeyPrefix,
				TTL:       cfg.State.Redis.TTL,
			},
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("state store: %w", err)
		}
	}

	counters := &forward.Counters{}
	factory := forward.NewFactory(forward.SessionConfig{
		DialHost:       cfg.Tunnel.DialHost,
		ConnectTimeout: cfg.Tunnel.ConnectTimeout,
		IdleTimeout:    cfg.Tunnel.IdleTimeout,
		MaxClients:     cfg.Tunnel.MaxClientsPerTunnel,
		QueueSize:      cfg.Tunnel.QueueSize,
		SendTimeout:    cfg.Tunnel.SendTimeout,
		RateLimit:      int64(cfg.Tunnel.RateLimit),
		Counters:       counters,
		Metrics:        m,
		Logger:         logger,
	})

	subscriber := tunnel.NewSubscriber(tunnel.SubscriberConfig{
		NewSession:              factory,
		MaxTunnelsPerConnection: cfg.Tunnel.MaxTunnelsPerConnection,
		CloseReplaced:           cfg.Tunnel.CloseReplaced,
		Store:                   store,
		InstanceID:              instanceID,
		Metrics:                 m,
		Logger:                  logger,
	})

	registry := NewRegistry(m, logger.With(logging.KeyComponent, "registry"))
	if err := registry.AddSubscriber(ChannelTunnel, subscriber); err != nil {
		store.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
		metrics:    m,
		registry:   registry,
		subscriber: subscriber,
		store:      store,
		counters:   counters,
		ctx:        ctx,
		cancel:     cancel,
	}

	if cfg.Health.Enabled {
		s.health = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     opts.Gatherer,
			Tunnels:      store,
			Logger:       logger,
		}, s)
	}

	return s, nil
}

// Registry returns the channel registry, for adding further subscribers.
func (s *Server) Registry() *Registry { return s.registry }

// InstanceID returns the resolved instance id.
func (s *Server) InstanceID() string { return s.instanceID }

// Start binds every configured listener and begins accepting. On error no
// listener is left open.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	s.logger.Info("starting relay",
		"instance_id", s.instanceID,
		logging.KeyCount, len(s.cfg.Listeners))

	auth, err := transport.NewBcryptAuthenticator(s.cfg.Auth.TokenHash)
	if err != nil {
		return err
	}
	if auth == nil {
		s.logger.Warn("token authentication disabled, any peer may connect")
	}

	for _, lc := range s.cfg.Listeners {
		ln, err := s.listen(lc, auth)
		if err != nil {
			s.logger.Error("failed to start listener",
				logging.KeyAddress, lc.Address,
				logging.KeyTransport, lc.Transport,
				logging.KeyError, err)
			s.closeListeners()
			return fmt.Errorf("start listener %s: %w", lc.Address, err)
		}

		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.acceptLoop(ln)

		s.logger.Info("listener started",
			logging.KeyAddress, ln.Addr().String(),
			logging.KeyTransport, lc.Transport)
	}

	if s.health != nil {
		if err := s.health.Start(); err != nil {
			s.closeListeners()
			return fmt.Errorf("start health server: %w", err)
		}
	}

	s.started = time.Now()
	s.running.Store(true)
	return nil
}

func (s *Server) listen(lc config.ListenerConfig, auth *transport.BcryptAuthenticator) (transport.Listener, error) {
	var tlsConfig *tls.Config
	switch {
	case lc.PlainText:
		s.logger.Warn("starting plaintext listener (no TLS)",
			logging.KeyAddress, lc.Address,
			logging.KeyTransport, lc.Transport)
	case lc.TLS.SelfSigned:
		var err error
		tlsConfig, err = transport.SelfSignedTLSConfig(s.instanceID)
		if err != nil {
			return nil, fmt.Errorf("generate certificate: %w", err)
		}
	default:
		var err error
		tlsConfig, err = transport.LoadTLSConfig(lc.TLS.Cert, lc.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("load TLS config: %w", err)
		}
	}

	opts := transport.ListenOptions{
		TLSConfig:        tlsConfig,
		PlainText:        lc.PlainText,
		Path:             lc.Path,
		MaxConnections:   lc.MaxConnections,
		MaxMessageSize:   int64(s.cfg.Limits.MaxMessageSize),
		HandshakeTimeout: s.cfg.Limits.HandshakeTimeout,
		OnReject:         s.metrics.RecordConnectionRejected,
		Logger:           s.logger,
	}
	if auth != nil {
		opts.Auth = auth
	}

	return transport.Listen(transport.Type(lc.Transport), lc.Address, opts)
}

func (s *Server) acceptLoop(ln transport.Listener) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "acceptLoop")

	var backoff transport.AcceptBackoff
	for {
		conn, err := ln.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			s.logger.Warn("accept error",
				logging.KeyAddress, ln.Addr().String(),
				logging.KeyError, err)
			if !backoff.Wait(s.ctx.Done()) {
				return
			}
			continue
		}
		backoff.Reset()

		s.logger.Debug("connection accepted",
			logging.KeyChannel, conn.Channel(),
			logging.KeyTransport, conn.Type(),
			logging.KeyRemoteAddr, conn.RemoteAddr())

		s.registry.Dispatch(conn)
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
}

// Addrs returns the bound address of every listener, in config order.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]net.Addr, len(s.listeners))
	for i, ln := range s.listeners {
		addrs[i] = ln.Addr()
	}
	return addrs
}

// HealthAddr returns the health server address, or nil when disabled.
func (s *Server) HealthAddr() net.Addr {
	if s.health == nil {
		return nil
	}
	return s.health.Address()
}

// Stop closes the listeners, then every connection and tunnel, then the
// health server and the state store. It returns ctx.Err() if ctx expires
// first; shutdown continues in the background.
func (s *Server) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.stopOnce.Do(s.stop)
		close(done)
	}()

	select {
	case <-done:
		return s.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) stop() {
	s.logger.Info("stopping relay", "instance_id", s.instanceID)

	s.running.Store(false)
	s.cancel()
	s.closeListeners()
	s.wg.Wait()

	var errs []error
	if err := s.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.health != nil {
		if err := s.health.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("state store: %w", err))
	}
	s.stopErr = errors.Join(errs...)

	s.logger.Info("relay stopped")
}

// IsRunning returns true between a successful Start and Stop.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Stats returns a snapshot for the health endpoints.
func (s *Server) Stats() health.Stats {
	sub := s.subscriber.Stats()

	st := health.Stats{
		InstanceID:  s.instanceID,
		Running:     s.running.Load(),
		Connections: sub.Connections,
		Tunnels:     sub.Tunnels,
		Clients:     s.counters.Clients(),
		BytesIn:     s.counters.BytesIn(),
		BytesOut:    s.counters.BytesOut(),
	}
	if st.Running {
		st.UptimeSeconds = time.Since(s.started).Seconds()
	}

	s.mu.Lock()
	for _, ln := range s.listeners {
		st.Listeners = append(st.Listeners, health.ListenerStats{
			Transport: string(ln.Type()),
			Address:   ln.Addr().String(),
		})
	}
	s.mu.Unlock()

	return st
}

// Tunnels returns the live tunnels of this instance.
func (s *Server) Tunnels() []tunnel.TunnelInfo {
	return s.subscriber.Tunnels()
}
