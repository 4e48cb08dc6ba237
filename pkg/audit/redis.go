package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink implements Sink using Redis lists, one per session.
// It suits deployments where several processes share one audit trail.
type RedisSink struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all audit keys (default: "ophthalmo:audit:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

const defaultRedisPrefix = "ophthalmo:audit:"

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisSinkFromClient(client, cfg.Prefix), nil
}

// NewRedisSinkFromClient creates a Redis sink from an existing client.
// This is useful for testing with miniredis.
func NewRedisSinkFromClient(client *redis.Client, prefix string) *RedisSink {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) recordsKey(sessionID string) string {
	return s.prefix + "records:" + sessionID
}

func (s *RedisSink) sessionsKey() string {
	return s.prefix + "sessions"
}

func (s *RedisSink) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Append pushes the record onto its session list and indexes the session.
func (s *RedisSink) Append(ctx context.Context, rec *Record) error {
	if s.isClosed() {
		return ErrSinkClosed
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.recordsKey(rec.SessionID), data)
	pipe.SAdd(ctx, s.sessionsKey(), rec.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis append: %w", ErrIOFailure, err)
	}
	return nil
}

// Query returns the session's records in append order.
func (s *RedisSink) Query(ctx context.Context, sessionID string) ([]*Record, error) {
	if s.isClosed() {
		return nil, ErrSinkClosed
	}

	raw, err := s.client.LRange(ctx, s.recordsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis query: %w", ErrIOFailure, err)
	}

	records := make([]*Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("parse record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// Sessions lists every session id with records.
func (s *RedisSink) Sessions(ctx context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, ErrSinkClosed
	}

	ids, err := s.client.SMembers(ctx, s.sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis sessions: %w", ErrIOFailure, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping checks the Redis connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrSinkClosed
	}
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
