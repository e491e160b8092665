package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-bridge/bridge/internal/config"
	"telemetry-bridge/bridge/internal/derive"
	"telemetry-bridge/bridge/internal/domain"
)

func newTestRedis(t *testing.T, cooldown time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return newRedisStore(client, "op-1", "step-2", cooldown), mr
}

func TestNewRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{RedisAddr: mr.Addr(), MESOpID: "op", MESStepID: "st"}

	s, err := NewRedisStore(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(context.Background(), &config.Config{RedisAddr: addr})
	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestRedisStore_GetAPIKey(t *testing.T) {
	s, mr := newTestRedis(t, 0)
	ctx := context.Background()
	require.NoError(t, mr.Set("device:auth:k1", "sawmill-7"))

	device, err := s.GetAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "sawmill-7", device)

	device, err = s.GetAPIKey(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, device)
}

func TestRedisStore_AlarmCooldown(t *testing.T) {
	s, mr := newTestRedis(t, time.Minute)
	ctx := context.Background()

	active, err := s.CheckAlarmCooldown(ctx, domain.AlarmHighTemp)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, s.SetAlarmCooldown(ctx, domain.AlarmHighTemp))
	assert.Equal(t, time.Minute, mr.TTL("alarm:op-1:step-2:HIGH_TEMP"))

	active, err = s.CheckAlarmCooldown(ctx, domain.AlarmHighTemp)
	require.NoError(t, err)
	assert.True(t, active)

	active, err = s.CheckAlarmCooldown(ctx, domain.AlarmHighVibration)
	require.NoError(t, err)
	assert.False(t, active, "cooldown is per code")

	mr.FastForward(time.Minute + time.Second)
	active, err = s.CheckAlarmCooldown(ctx, domain.AlarmHighTemp)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRedisStore_ZeroCooldownSetsNothing(t *testing.T) {
	s, mr := newTestRedis(t, 0)
	require.NoError(t, s.SetAlarmCooldown(context.Background(), domain.AlarmHighTemp))
	assert.False(t, mr.Exists("alarm:op-1:step-2:HIGH_TEMP"))
}

func TestRedisStore_PipelineStateUpdate(t *testing.T) {
	s, mr := newTestRedis(t, 0)
	ctx := context.Background()

	sub := s.Client().Subscribe(ctx, "bridge:op-1:step-2:state")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	at := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, s.PipelineStateUpdate(ctx, derive.State{CurrentStatus: "running", LastCount: 42}, at))

	assert.Equal(t, "running", mr.HGet("bridge:op-1:step-2:state", "current_status"))
	assert.Equal(t, "42", mr.HGet("bridge:op-1:step-2:state", "last_count"))
	assert.Equal(t, "1700000000000", mr.HGet("bridge:op-1:step-2:state", "updated_at"))

	select {
	case msg := <-sub.Channel():
		assert.JSONEq(t, `{"current_status":"running","last_count":42,"updated_at":1700000000000}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no state message published")
	}
}

func TestRedisStore_PublishOutcome(t *testing.T) {
	s, _ := newTestRedis(t, 0)
	ctx := context.Background()

	sub := s.Client().Subscribe(ctx, "bridge:op-1:step-2:events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, s.PublishOutcome(ctx, []byte(`{"event_id":"e1"}`)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, `{"event_id":"e1"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome published")
	}
}
