package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClaimStore hands out short-lived exclusive claims on request ids so that
// duplicate notifications do not run the same request side by side. A claim
// is an optimization only; the guarded status update is what makes a second
// run harmless.
type ClaimStore interface {
	// Claim returns true when the caller now holds key for ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	Close() error
}

// MemoryClaims keeps claims in process. Suitable for a single executor
// process and for tests.
type MemoryClaims struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{entries: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryClaims) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.entries[key] = now.Add(ttl)
	// drop expired claims while holding the lock anyway
	if len(m.entries) > 1024 {
		for k, exp := range m.entries {
			if !now.Before(exp) {
				delete(m.entries, k)
			}
		}
	}
	return true, nil
}

func (m *MemoryClaims) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Size reports live and not yet evicted claims.
func (m *MemoryClaims) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryClaims) Close() error { return nil }

const defaultClaimPrefix = "stockline:claim:"

// RedisClaims shares claims between executor processes using SET NX.
type RedisClaims struct {
	client    *redis.Client
	keyPrefix string
}

type RedisClaimsConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisClaims connects and pings the server.
func NewRedisClaims(ctx context.Context, cfg RedisClaimsConfig) (*RedisClaims, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	return NewRedisClaimsWithClient(client, cfg.KeyPrefix), nil
}

func NewRedisClaimsWithClient(client *redis.Client, keyPrefix string) *RedisClaims {
	if keyPrefix == "" {
		keyPrefix = defaultClaimPrefix
	}
	return &RedisClaims{client: client, keyPrefix: keyPrefix}
}

func (r *RedisClaims) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.keyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisClaims) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.keyPrefix+key).Err()
}

func (r *RedisClaims) Close() error {
	return r.client.Close()
}
