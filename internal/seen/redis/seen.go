// Package redis provides a seen-set shared across crawler processes, backed
// by a Redis set.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/metrics"
)

// DefaultKey is the Redis set holding crawled URL hashes.
const DefaultKey = "crawled_urls"

// Config controls the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

type client interface {
	SIsMember(ctx context.Context, key string, member interface{}) *goredis.BoolCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Set implements crawler.SeenSet over SISMEMBER/SADD.
type Set struct {
	client client
	key    string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Set, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("seen.addr is required")
	}
	c := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewWithClient(c, cfg.Key), nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(c client, key string) *Set {
	if key == "" {
		key = DefaultKey
	}
	return &Set{client: c, key: key}
}

// Contains reports whether hash is a member of the set.
func (s *Set) Contains(ctx context.Context, hash crawler.URLHash) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key, string(hash)).Result()
	if err != nil {
		metrics.ObserveSeenSetError("contains")
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

// Add inserts hash into the set.
func (s *Set) Add(ctx context.Context, hash crawler.URLHash) error {
	if err := s.client.SAdd(ctx, s.key, string(hash)).Err(); err != nil {
		metrics.ObserveSeenSetError("add")
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (s *Set) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *Set) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
