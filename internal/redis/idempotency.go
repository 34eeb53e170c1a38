package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// idempotencyTTL is how long a completed dispatch result is
	// retained for replay. A fan-out is not something a client should
	// be able to accidentally repeat with a stale key, so this is long.
	idempotencyTTL = 24 * time.Hour

	// processingTTL bounds how long the in-flight marker can block a
	// retry if the original request dies without storing a result.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates the same key is currently in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already reserved")

// DispatchResult is the cached outcome of an idempotent dispatch.
type DispatchResult struct {
	NotificationID string `json:"notification_id"`
	StatusCode     int    `json:"status_code"`
	CreatedAt      int64  `json:"created_at"`
}

// IdempotencyService deduplicates dispatch requests per caller.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(callerUID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", callerUID, idempotencyKey)
}

// Check retrieves a cached result for an idempotency key. Returns
// (nil, nil) if the key is unknown, the result if one is stored, or
// ErrDuplicateRequest if the key is currently being processed.
func (s *IdempotencyService) Check(ctx context.Context, callerUID, idempotencyKey string) (*DispatchResult, error) {
	key := s.buildKey(callerUID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result DispatchResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal cached dispatch result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("caller_uid", callerUID),
		zap.String("notification_id", result.NotificationID),
	)

	return &result, nil
}

// Store saves the result of a completed dispatch.
func (s *IdempotencyService) Store(ctx context.Context, callerUID, idempotencyKey string, result *DispatchResult) error {
	key := s.buildKey(callerUID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, idempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires the in-flight lock using SET NX. Returns true if the
// lock was acquired, false if the key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, callerUID, idempotencyKey string) (bool, error) {
	key := s.buildKey(callerUID, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// CheckOrReserve reserves the key for this request or returns whatever
// is already stored under it. The SET NX runs first, so two concurrent
// calls with the same key cannot both proceed: the loser reads back
// either the in-flight marker or a completed result.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, callerUID, idempotencyKey string) (*DispatchResult, error) {
	reserved, err := s.Reserve(ctx, callerUID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if reserved {
		return nil, nil
	}

	result, err := s.Check(ctx, callerUID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result == nil {
		// The key expired between the reserve and the read.
		return nil, ErrDuplicateRequest
	}

	return result, nil
}
