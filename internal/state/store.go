// Package state mirrors the live tunnel tables into a store so that an
// operator can list tunnels across one or more relay instances.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/postalsys/tunnel-relay/internal/logging"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("state store closed")

// Record is one live tunnel.
type Record struct {
	InstanceID string    `json:"instanceId"`
	ConnID     string    `json:"connId"`
	TunnelID   string    `json:"tunnelId"`
	RemotePort int       `json:"remotePort"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	Transport  string    `json:"transport,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store keeps tunnel records.
type Store interface {
	// Put inserts or replaces the record for (ConnID, TunnelID).
	Put(ctx context.Context, rec Record) error

	// Delete removes one tunnel. Deleting a missing record is not an error.
	Delete(ctx context.Context, connID, tunnelID string) error

	// DeleteConnection removes every tunnel of a connection.
	DeleteConnection(ctx context.Context, connID string) error

	// List returns all records known to the store.
	List(ctx context.Context) ([]Record, error)

	// Close releases the store and removes this instance's records where
	// the backend is shared.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend    string
	InstanceID string
	Redis      RedisConfig
	Logger     *slog.Logger
}

// New creates the configured store.
func New(cfg Config) (Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	switch cfg.Backend {
	case "", BackendMemory:
		logger.Info("state backend", "type", BackendMemory)
		return NewMemoryStore(), nil
	case BackendRedis:
		logger.Info("state backend",
			"type", BackendRedis,
			logging.KeyAddress, cfg.Redis.Address)
		return NewRedisStore(cfg.InstanceID, cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

func recordKey(connID, tunnelID string) string {
	return connID + "/" + tunnelID
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].InstanceID != recs[j].InstanceID {
			return recs[i].InstanceID < recs[j].InstanceID
		}
		if recs[i].ConnID != recs[j].ConnID {
			return recs[i].ConnID < recs[j].ConnID
		}
		return recs[i].TunnelID < recs[j].TunnelID
	})
}
