package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewClientFromRedis(rdb), mr
}

func TestBeginIdempotentLifecycle(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Now()

	state, payload, err := client.BeginIdempotent(ctx, "t1", "u1", "k1", now, time.Minute, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, IdemStateNew, state)
	assert.Nil(t, payload)

	state, _, err = client.BeginIdempotent(ctx, "t1", "u1", "k1", now, time.Minute, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, IdemStateInProgress, state)

	require.NoError(t, client.CompleteIdempotent(ctx, "t1", "u1", "k1", []byte("result"), time.Hour))

	state, payload, err = client.BeginIdempotent(ctx, "t1", "u1", "k1", now, time.Minute, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, IdemStateCompleted, state)
	assert.Equal(t, []byte("result"), payload)
}

func TestBeginIdempotentReclaimsStaleProcessing(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Now()

	state, _, err := client.BeginIdempotent(ctx, "t1", "u1", "k1", now, time.Minute, time.Hour)
	require.NoError(t, err)
	require.Equal(t, IdemStateNew, state)

	// Past the processing deadline the record is treated as abandoned.
	state, _, err = client.BeginIdempotent(ctx, "t1", "u1", "k1", now.Add(2*time.Minute), time.Minute, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, IdemStateNew, state)
}

func TestAbortIdempotentDeletesRecord(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Now()

	_, _, err := client.BeginIdempotent(ctx, "t1", "u1", "k1", now, time.Minute, time.Hour)
	require.NoError(t, err)
	require.NoError(t, client.AbortIdempotent(ctx, "t1", "u1", "k1"))

	state, _, err := client.BeginIdempotent(ctx, "t1", "u1", "k1", now, time.Minute, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, IdemStateNew, state)
}

func TestCartRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	payload, err := client.GetCart(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Nil(t, payload)

	require.NoError(t, client.SetCart(ctx, "t1", "u1", []byte(`{"items":[]}`), time.Hour))

	payload, err = client.GetCart(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"items":[]}`), payload)

	require.NoError(t, client.DeleteCart(ctx, "t1", "u1"))
	payload, err = client.GetCart(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestCartExpires(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.SetCart(ctx, "t1", "u1", []byte(`{}`), time.Minute))
	mr.FastForward(2 * time.Minute)

	payload, err := client.GetCart(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestScanCartKeys(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.SetCart(ctx, "t1", "u1", []byte(`{}`), time.Hour))
	require.NoError(t, client.SetCart(ctx, "t2", "u2", []byte(`{}`), time.Hour))

	found := make(map[string]string)
	err := client.ScanCartKeys(ctx, func(tenantID, userID string) error {
		found[tenantID] = userID
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"t1": "u1", "t2": "u2"}, found)
}

func TestAcquireLock(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	acquired, err := client.AcquireLock(ctx, "order:o1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = client.AcquireLock(ctx, "order:o1", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, client.ReleaseLock(ctx, "order:o1"))

	acquired, err = client.AcquireLock(ctx, "order:o1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}
