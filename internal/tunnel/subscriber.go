package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/postalsys/tunnel-relay/internal/logging"
	"github.com/postalsys/tunnel-relay/internal/metrics"
	"github.com/postalsys/tunnel-relay/internal/recovery"
	"github.com/postalsys/tunnel-relay/internal/state"
	"github.com/postalsys/tunnel-relay/internal/transport"
)

// DefaultStoreTimeout bounds each state store call made for a table change.
const DefaultStoreTimeout = 2 * time.Second

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	// NewSession builds sessions for every router. Required.
	NewSession SessionFactory

	// MaxTunnelsPerConnection caps live tunnels per connection (0 = unlimited).
	MaxTunnelsPerConnection int

	// CloseReplaced closes sessions replaced by a duplicate proxyCreated.
	CloseReplaced bool

	// Store mirrors live tunnels. Optional.
	Store state.Store

	// InstanceID tags store records.
	InstanceID string

	// StoreTimeout bounds store calls.
	StoreTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Subscriber handles every connection on one channel. For each connection
// it runs a Router with its own table.
type Subscriber struct {
	cfg     SubscriberConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	routers map[*Router]struct{}
	closed  bool
}

// NewSubscriber creates a subscriber.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewDiscard()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		routers: make(map[*Router]struct{}),
	}
}

// OnConnection binds a fresh router to conn and runs it until the
// connection ends. It returns immediately.
func (s *Subscriber) OnConnection(conn transport.Conn) {
	r := NewRouter(conn, RouterConfig{
		NewSession:    s.cfg.NewSession,
		MaxTunnels:    s.cfg.MaxTunnelsPerConnection,
		CloseReplaced: s.cfg.CloseReplaced,
		Observer:      s.observer(),
		Metrics:       s.metrics,
		Logger:        s.logger,
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.routers[r] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.serve(r)
}

func (s *Subscriber) serve(r *Router) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "tunnel.Subscriber.serve")

	conn := r.Conn()
	start := time.Now()
	s.metrics.RecordConnectionOpen(string(conn.Type()), conn.Channel())

	logger := s.logger.With(
		logging.KeyConnID, r.ConnectionID(),
		logging.KeyTransport, conn.Type(),
		logging.KeyRemoteAddr, conn.RemoteAddr())
	logger.Info("tunnel connection opened", logging.KeyChannel, conn.Channel())

	defer func() {
		conn.Close()
		s.forget(r)
		s.metrics.RecordConnectionClose(time.Since(start))
		logger.Info("tunnel connection closed", logging.KeyDuration, time.Since(start).Round(time.Millisecond))
	}()

	if err := r.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("tunnel connection failed", logging.KeyError, err)
	}
}

func (s *Subscriber) forget(r *Router) {
	s.mu.Lock()
	delete(s.routers, r)
	s.mu.Unlock()

	if s.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()
	if err := s.cfg.Store.DeleteConnection(ctx, r.ConnectionID()); err != nil {
		s.logger.Warn("state store cleanup failed",
			logging.KeyConnID, r.ConnectionID(),
			logging.KeyError, err)
	}
}

func (s *Subscriber) observer() Observer {
	if s.cfg.Store == nil {
		return nil
	}
	return &storeObserver{
		store:      s.cfg.Store,
		instanceID: s.cfg.InstanceID,
		timeout:    s.cfg.StoreTimeout,
		logger:     s.logger,
	}
}

// Close stops every router, closing their connections and sessions, and
// waits for them to finish. Later connections are closed on arrival.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

// Stats summarizes the subscriber's live state.
type Stats struct {
	Connections int `json:"connections"`
	Tunnels     int `json:"tunnels"`
}

// Stats returns connection and tunnel counts.
func (s *Subscriber) Stats() Stats {
	s.mu.Lock()
	routers := make([]*Router, 0, len(s.routers))
	for r := range s.routers {
		routers = append(routers, r)
	}
	s.mu.Unlock()

	st := Stats{Connections: len(routers)}
	for _, r := range routers {
		st.Tunnels += r.Len()
	}
	return st
}

// Tunnels returns the live tunnels of every connection.
func (s *Subscriber) Tunnels() []TunnelInfo {
	s.mu.Lock()
	routers := make([]*Router, 0, len(s.routers))
	for r := range s.routers {
		routers = append(routers, r)
	}
	s.mu.Unlock()

	var infos []TunnelInfo
	for _, r := range routers {
		infos = append(infos, r.Tunnels()...)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnID != infos[j].ConnID {
			return infos[i].ConnID < infos[j].ConnID
		}
		return infos[i].TunnelID < infos[j].TunnelID
	})
	return infos
}

// storeObserver mirrors router table changes into a state store.
type storeObserver struct {
	store      state.Store
	instanceID string
	timeout    time.Duration
	logger     *slog.Logger
}

func (o *storeObserver) TunnelOpened(info TunnelInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	err := o.store.Put(ctx, state.Record{
		InstanceID: o.instanceID,
		ConnID:     info.ConnID,
		TunnelID:   info.TunnelID,
		RemotePort: info.RemotePort,
		RemoteAddr: info.RemoteAddr,
		Transport:  string(info.Transport),
		CreatedAt:  info.CreatedAt,
	})
	if err != nil {
		o.logger.Warn("state store put failed",
			logging.KeyConnID, info.ConnID,
			logging.KeyTunnelID, info.TunnelID,
			logging.KeyError, err)
	}
}

func (o *storeObserver) TunnelClosed(connID, tunnelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	if err := o.store.Delete(ctx, connID, tunnelID); err != nil {
		o.logger.Warn("state store delete failed",
			logging.KeyConnID, connID,
			logging.KeyTunnelID, tunnelID,
			logging.KeyError, err)
	}
}
