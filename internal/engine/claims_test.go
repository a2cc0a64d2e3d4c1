package engine_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"stockline/internal/engine"
)

func exerciseClaims(t *testing.T, claims engine.ClaimStore, key string) {
	t.Helper()
	ctx := context.Background()
	ok, err := claims.Claim(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = claims.Claim(ctx, key, time.Minute)
	if err != nil || ok {
		t.Fatalf("second claim while held: ok=%v err=%v", ok, err)
	}
	if err := claims.Release(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = claims.Claim(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim after release: ok=%v err=%v", ok, err)
	}
	if err := claims.Release(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestMemoryClaimsAreExclusive(t *testing.T) {
	exerciseClaims(t, engine.NewMemoryClaims(), "req-1")
}

func TestRedisClaimsAreExclusive(t *testing.T) {
	addr := os.Getenv("STOCKLINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STOCKLINE_TEST_REDIS_ADDR not set")
	}
	claims, err := engine.NewRedisClaims(context.Background(), engine.RedisClaimsConfig{
		Addr:      addr,
		KeyPrefix: "stockline-test:" + uuid.NewString() + ":",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer claims.Close()
	exerciseClaims(t, claims, "req-1")

	ctx := context.Background()
	if ok, err := claims.Claim(ctx, "req-ttl", 50*time.Millisecond); err != nil || !ok {
		t.Fatalf("short claim: ok=%v err=%v", ok, err)
	}
	time.Sleep(150 * time.Millisecond)
	if ok, err := claims.Claim(ctx, "req-ttl", time.Minute); err != nil || !ok {
		t.Fatalf("claim after expiry: ok=%v err=%v", ok, err)
	}
	_ = claims.Release(ctx, "req-ttl")
}

func TestNewRedisClaimsFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	claims, err := engine.NewRedisClaims(ctx, engine.RedisClaimsConfig{Addr: "127.0.0.1:1"})
	if err == nil {
		claims.Close()
		t.Fatal("expected connect error")
	}
}
