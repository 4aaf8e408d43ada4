// Package memory provides persistence of per-thread conversation state.
//
// This file implements the Redis-backed saver. States are stored as JSON
// blobs keyed by thread id with an optional TTL, so idle conversations
// expire on their own.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dialogpipe/dialogpipe/internal/models"
)

// DefaultConnectTimeout bounds the initial Redis ping.
const DefaultConnectTimeout = 5 * time.Second

// RedisSaver implements Saver using Redis.
type RedisSaver struct {
	client *redis.Client
	ttl    time.Duration // zero means no expiry
}

// NewRedisSaver creates a Redis-backed saver from a redis:// URL.
func NewRedisSaver(redisURL string, ttl time.Duration) (*RedisSaver, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	slog.Debug("RedisSaver connected", "ttl", ttl)
	return &RedisSaver{client: client, ttl: ttl}, nil
}

// stateKey generates the Redis key for a thread.
func (s *RedisSaver) stateKey(threadID string) string {
	return fmt.Sprintf("state:%s", threadID)
}

func (s *RedisSaver) Get(ctx context.Context, threadID string) (*models.State, error) {
	data, err := s.client.Get(ctx, s.stateKey(threadID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisSaver.Get failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to load state from Redis: %w", err)
	}
	var state models.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to parse stored state: %w", err)
	}
	return &state, nil
}

func (s *RedisSaver) Save(ctx context.Context, threadID string, state *models.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := s.client.Set(ctx, s.stateKey(threadID), data, s.ttl).Err(); err != nil {
		slog.Error("RedisSaver.Save failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to save state to Redis: %w", err)
	}
	slog.Debug("RedisSaver.Save succeeded", "threadID", threadID)
	return nil
}

func (s *RedisSaver) InitState(ctx context.Context, threadID string) (*models.State, error) {
	state := models.NewState(threadID)
	if err := s.Save(ctx, threadID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Close closes the underlying Redis client.
func (s *RedisSaver) Close() error {
	return s.client.Close()
}

// Ping verifies the Redis connection. Used by the readiness probe.
func (s *RedisSaver) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
