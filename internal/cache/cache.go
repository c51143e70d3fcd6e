// Package cache keeps rendered memory context per owner so prompts don't hit
// the store on every turn.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 10 * time.Minute

type entry struct {
	text    string
	expires time.Time
}

// Memory is an in-process TTL cache.
type Memory struct {
	entries sync.Map // ownerID -> entry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now}
}

func (m *Memory) Get(_ context.Context, ownerID string) (string, bool, error) {
	v, ok := m.entries.Load(ownerID)
	if !ok {
		return "", false, nil
	}
	e := v.(entry)
	if m.now().After(e.expires) {
		m.entries.Delete(ownerID)
		return "", false, nil
	}
	return e.text, true, nil
}

func (m *Memory) Set(_ context.Context, ownerID, text string) error {
	m.entries.Store(ownerID, entry{text: text, expires: m.now().Add(m.ttl)})
	return nil
}

func (m *Memory) Invalidate(_ context.Context, ownerID string) error {
	m.entries.Delete(ownerID)
	return nil
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// Redis shares the cache across processes (API replicas, Telegram worker).
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewRedisWithClient(client, cfg), nil
}

func NewRedisWithClient(client *redis.Client, cfg RedisConfig) *Redis {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "bizpilot:memctx:"
	}
	return &Redis{
		client: client,
		ttl:    cfg.TTL,
		prefix: cfg.Prefix,
	}
}

func (r *Redis) Get(ctx context.Context, ownerID string) (string, bool, error) {
	text, err := r.client.Get(ctx, r.prefix+ownerID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return text, true, nil
}

func (r *Redis) Set(ctx context.Context, ownerID, text string) error {
	if err := r.client.Set(ctx, r.prefix+ownerID, text, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, ownerID string) error {
	if err := r.client.Del(ctx, r.prefix+ownerID).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
