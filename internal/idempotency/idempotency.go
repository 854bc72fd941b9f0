// Package idempotency remembers processed keys so that at-least-once
// deliveries are handled once.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store records processed keys with a TTL
type Store interface {
	// MarkProcessed reports true if key was newly marked and false if it
	// was already processed and has not expired.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Forget removes a mark so a failed handler can be retried.
	Forget(ctx context.Context, key string) error
	Close() error
}

// InMemory is a Store for single-instance deployments and tests
type InMemory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]time.Time), now: time.Now}
}

func (s *InMemory) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	// Drop expired entries once the map grows large.
	if len(s.entries) > 10000 {
		for k, exp := range s.entries {
			if !now.Before(exp) {
				delete(s.entries, k)
			}
		}
	}
	s.entries[key] = now.Add(ttl)
	return true, nil
}

func (s *InMemory) Forget(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *InMemory) Close() error { return nil }

// Redis is a Store shared by every instance of a consumer group
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedis connects to addr and verifies the connection
func NewRedis(ctx context.Context, addr, keyPrefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisWithClient(client, keyPrefix), nil
}

func NewRedisWithClient(client *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "resale:processed:"
	}
	return &Redis{client: client, keyPrefix: keyPrefix}
}

// MarkProcessed uses SET NX so concurrent consumers agree on one winner
func (s *Redis) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark %s processed: %w", key, err)
	}
	return ok, nil
}

func (s *Redis) Forget(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to forget %s: %w", key, err)
	}
	return nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}

var (
	_ Store = (*InMemory)(nil)
	_ Store = (*Redis)(nil)
)
