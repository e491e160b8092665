package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"telemetry-bridge/bridge/internal/config"
	"telemetry-bridge/bridge/internal/derive"
	"telemetry-bridge/bridge/internal/domain"
)

// RedisStore holds the bridge's shared Redis state. Keys are scoped to the
// configured operation and step so several bridges can share one instance.
type RedisStore struct {
	client   *redis.Client
	scope    string
	cooldown time.Duration
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisStore(client, cfg.MESOpID, cfg.MESStepID, cfg.QualityAlarmCooldown()), nil
}

func newRedisStore(client *redis.Client, opID, stepID string, cooldown time.Duration) *RedisStore {
	return &RedisStore{
		client:   client,
		scope:    opID + ":" + stepID,
		cooldown: cooldown,
	}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func (r *RedisStore) stateKey() string  { return "bridge:" + r.scope + ":state" }
func (r *RedisStore) eventsKey() string { return "bridge:" + r.scope + ":events" }

func (r *RedisStore) alarmKey(code domain.AlarmCode) string {
	return fmt.Sprintf("alarm:%s:%s", r.scope, code)
}

// PipelineStateUpdate stores the operational state in a hash and announces
// it on the state channel. The hash is write-only from the bridge's side.
func (r *RedisStore) PipelineStateUpdate(ctx context.Context, state derive.State, updatedAt time.Time) error {
	stateData := map[string]interface{}{
		"current_status": state.CurrentStatus,
		"last_count":     state.LastCount,
		"updated_at":     updatedAt.UnixMilli(),
	}

	pubPayload, err := json.Marshal(stateData)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	key := r.stateKey()
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, stateData)
	pipe.Publish(ctx, key, pubPayload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// PublishOutcome broadcasts an encoded dispatch outcome.
func (r *RedisStore) PublishOutcome(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, r.eventsKey(), payload).Err()
}

// GetAPIKey returns the device bound to apiKey, or "" when there is none.
func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := fmt.Sprintf("device:auth:%s", apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

// CheckAlarmCooldown reports whether an alarm with this code was sent within
// the cooldown window.
func (r *RedisStore) CheckAlarmCooldown(ctx context.Context, code domain.AlarmCode) (bool, error) {
	count, err := r.client.Exists(ctx, r.alarmKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown check failed: %w", err)
	}
	return count > 0, nil
}

func (r *RedisStore) SetAlarmCooldown(ctx context.Context, code domain.AlarmCode) error {
	if r.cooldown <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.alarmKey(code), "1", r.cooldown).Err()
}
