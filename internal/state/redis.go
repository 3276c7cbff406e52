package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postalsys/tunnel-relay/internal/logging"
	"github.com/postalsys/tunnel-relay/internal/recovery"
)

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string

	// TTL expires an instance's records if it stops refreshing them.
	TTL time.Duration
}

// Redis defaults.
const (
	DefaultRedisKeyPrefix = "tunnel-relay"
	DefaultRedisTTL       = 5 * time.Minute
)

// RedisStore keeps one hash per relay instance. Fields are
// "<connID>/<tunnelID>" and values are JSON records. The hash TTL is
// refreshed on every write and by a heartbeat, so records of a crashed
// instance disappear on their own.
type RedisStore struct {
	client     *redis.Client
	instanceID string
	prefix     string
	ttl        time.Duration
	logger     *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRedisStore connects to redis and starts the TTL heartbeat.
func NewRedisStore(instanceID string, cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("redis state store requires an instance id")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRedisTTL
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	s := &RedisStore{
		client:     rdb,
		instanceID: instanceID,
		prefix:     cfg.KeyPrefix,
		ttl:        cfg.TTL,
		logger:     logger.With(logging.KeyComponent, "state.redis"),
		stopCh:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.heartbeat()

	return s, nil
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) instanceKey() string {
	return instanceKey(s.prefix, s.instanceID)
}

func instanceKey(prefix, instanceID string) string {
	return prefix + ":instance:" + instanceID
}

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	rec.InstanceID = s.instanceID
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	key := s.instanceKey()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, recordKey(rec.ConnID, rec.TunnelID), data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, connID, tunnelID string) error {
	if err := s.client.HDel(ctx, s.instanceKey(), recordKey(connID, tunnelID)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteConnection(ctx context.Context, connID string) error {
	key := s.instanceKey()
	var fields []string

	iter := s.client.HScan(ctx, key, 0, connID+"/*", 100).Iterator()
	for i := 0; iter.Next(ctx); i++ {
		// HSCAN yields field, value, field, value...
		if i%2 == 0 {
			fields = append(fields, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan connection: %w", err)
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("redis delete connection: %w", err)
	}
	return nil
}

// List returns the records of every instance sharing the key prefix.
func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	var recs []Record

	iter := s.client.Scan(ctx, 0, instanceKey(s.prefix, "*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		values, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("redis list %s: %w", key, err)
		}
		for field, raw := range values {
			var rec Record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				s.logger.Warn("skipping corrupt tunnel record",
					"key", key,
					"field", field,
					logging.KeyError, err)
				continue
			}
			if rec.InstanceID == "" {
				rec.InstanceID = strings.TrimPrefix(key, instanceKey(s.prefix, ""))
			}
			recs = append(recs, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	sortRecords(recs)
	return recs, nil
}

func (s *RedisStore) heartbeat() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "state.RedisStore.heartbeat")

	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.client.Expire(ctx, s.instanceKey(), s.ttl).Err()
			cancel()
			if err != nil {
				s.logger.Warn("redis heartbeat failed", logging.KeyError, err)
			}
		}
	}
}

// Close stops the heartbeat, removes this instance's hash and disconnects.
func (s *RedisStore) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if delErr := s.client.Del(ctx, s.instanceKey()).Err(); delErr != nil {
			s.logger.Warn("failed to remove instance records", logging.KeyError, delErr)
		}
		err = s.client.Close()
	})
	return err
}
