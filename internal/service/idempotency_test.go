package service

import (
	"context"
	"testing"
	"time"

	"checkout-service/internal/redisclient"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIdempotency(t *testing.T) (*RedisIdempotency, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	client := redisclient.NewClientFromRedis(rdb)
	return NewRedisIdempotency(client, 24*time.Hour, time.Minute), mr
}

func TestIdempotencyNewThenCompleted(t *testing.T) {
	idem, _ := newTestIdempotency(t)
	ctx := context.Background()

	state, cached, err := idem.CheckOrBegin(ctx, "t1", "u1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)
	assert.Nil(t, cached)

	require.NoError(t, idem.Complete(ctx, "t1", "u1", "key-1", []byte(`{"status":"CONFIRMED"}`)))

	state, cached, err = idem.CheckOrBegin(ctx, "t1", "u1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
	assert.JSONEq(t, `{"status":"CONFIRMED"}`, string(cached))
}

func TestIdempotencyInProgressBlocksDuplicates(t *testing.T) {
	idem, _ := newTestIdempotency(t)
	ctx := context.Background()

	state, _, err := idem.CheckOrBegin(ctx, "t1", "u1", "key-1")
	require.NoError(t, err)
	require.Equal(t, StateNew, state)

	state, _, err = idem.CheckOrBegin(ctx, "t1", "u1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, state)
}

func TestIdempotencyScopesDoNotCollide(t *testing.T) {
	idem, _ := newTestIdempotency(t)
	ctx := context.Background()

	state, _, err := idem.CheckOrBegin(ctx, "t1", "u1", "key-1")
	require.NoError(t, err)
	require.Equal(t, StateNew, state)

	// Same key under a different tenant or user is an independent record.
	state, _, err = idem.CheckOrBegin(ctx, "t2", "u1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)

	state, _, err = idem.CheckOrBegin(ctx, "t1", "u2", "key-1")
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)
}

func TestIdempotencyStaleProcessingReclaimed(t *testing.T) {
	idem, _ := newTestIdempotency(t)
	ctx := context.Background()

	state, _, err := idem.CheckOrBegin(ctx, "t1", "u1", "key-1")
	require.NoError(t, err)
	require.Equal(t, StateNew, state)

	// Advance past the processing deadline; the abandoned record is
	// reclaimed instead of blocking forever.
	idem.WithClock(func() time.Time { return time.Now().Add(2 * time.Minute) })

	state, _, err = idem.CheckOrBegin(ctx, "t1", "u1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)
}

func TestIdempotencyAbortAllowsRetry(t *testing.T) {
	idem, _ := newTestIdempotency(t)
	ctx := context.Background()

	state, _, err := idem.CheckOrBegin(ctx, "t1", "u1", "key-1")
	require.NoError(t, err)
	require.Equal(t, StateNew, state)

	require.NoError(t, idem.Abort(ctx, "t1", "u1", "key-1"))

	state, _, err = idem.CheckOrBegin(ctx, "t1", "u1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)
}

func TestIdempotencyRecordExpires(t *testing.T) {
	idem, mr := newTestIdempotency(t)
	ctx := context.Background()

	_, _, err := idem.CheckOrBegin(ctx, "t1", "u1", "key-1")
	require.NoError(t, err)
	require.NoError(t, idem.Complete(ctx, "t1", "u1", "key-1", []byte(`{}`)))

	mr.FastForward(25 * time.Hour)

	state, _, err := idem.CheckOrBegin(ctx, "t1", "u1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)
}
