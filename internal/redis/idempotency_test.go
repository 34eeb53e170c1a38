package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotency_NewKeyReserves(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	result, err := svc.CheckOrReserve(ctx, "u1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected no cached result, got %+v", result)
	}
}

func TestIdempotency_InFlightKeyIsDuplicate(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "u1", "key-1"); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	_, err := svc.CheckOrReserve(ctx, "u1", "key-1")
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
}

func TestIdempotency_ExpiredMarkerAllowsRetry(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "u1", "key-1"); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	// The in-flight marker lapsing frees the key for a retry.
	if err := client.rdb.Del(ctx, "idempotency:u1:key-1").Err(); err != nil {
		t.Fatalf("del failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "u1", "key-1")
	if err != nil {
		t.Fatalf("retry after expiry failed: %v", err)
	}
	if result != nil {
		t.Fatalf("expected a fresh reservation, got %+v", result)
	}
}

func TestIdempotency_StoredResultReplays(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "u1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	stored := &DispatchResult{NotificationID: "n-123", StatusCode: 200}
	if err := svc.Store(ctx, "u1", "key-1", stored); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "u1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result")
	}
	if result.NotificationID != "n-123" {
		t.Errorf("expected notification n-123, got %s", result.NotificationID)
	}
	if result.CreatedAt == 0 {
		t.Error("expected CreatedAt to be set on store")
	}
}

func TestIdempotency_CallersAreIsolated(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "u1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// The same key from a different caller is independent.
	result, err := svc.CheckOrReserve(ctx, "u2", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected no cached result for u2, got %+v", result)
	}
}
