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

func setupClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestAcquireLock_SingleOwner(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()

	token, acquired, err := c.AcquireLock(ctx, "charge:pi_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.NotEmpty(t, token)

	_, acquired, err = c.AcquireLock(ctx, "charge:pi_1", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	held, err := mr.Get("lock:charge:pi_1")
	require.NoError(t, err)
	assert.Equal(t, token, held)
}

func TestReleaseLock_OnlyByOwner(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()

	token, _, err := c.AcquireLock(ctx, "charge:pi_1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, c.ReleaseLock(ctx, "charge:pi_1", "someone-else"))
	assert.True(t, mr.Exists("lock:charge:pi_1"))

	require.NoError(t, c.ReleaseLock(ctx, "charge:pi_1", token))
	assert.False(t, mr.Exists("lock:charge:pi_1"))

	_, acquired, err := c.AcquireLock(ctx, "charge:pi_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestReleaseLock_AfterExpiryKeepsNewOwner(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()

	stale, _, err := c.AcquireLock(ctx, "sweep", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, acquired, err := c.AcquireLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, c.ReleaseLock(ctx, "sweep", stale))
	held, err := mr.Get("lock:sweep")
	require.NoError(t, err)
	assert.Equal(t, fresh, held)
}

func TestExtendLock(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()

	token, _, err := c.AcquireLock(ctx, "charge:pi_1", time.Second)
	require.NoError(t, err)

	extended, err := c.ExtendLock(ctx, "charge:pi_1", token, time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)
	assert.Equal(t, time.Minute, mr.TTL("lock:charge:pi_1"))

	extended, err = c.ExtendLock(ctx, "charge:pi_1", "someone-else", time.Hour)
	require.NoError(t, err)
	assert.False(t, extended)
	assert.Equal(t, time.Minute, mr.TTL("lock:charge:pi_1"))

	mr.FastForward(2 * time.Minute)
	extended, err = c.ExtendLock(ctx, "charge:pi_1", token, time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)
}

func TestEventMarkers(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()

	done, err := c.IsEventProcessed(ctx, "pi_1", "charge.succeeded")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, c.MarkEventProcessed(ctx, "pi_1", "charge.succeeded", time.Hour))
	done, err = c.IsEventProcessed(ctx, "pi_1", "charge.succeeded")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = c.IsEventProcessed(ctx, "pi_1", "charge.failed")
	require.NoError(t, err)
	assert.False(t, done)

	mr.FastForward(2 * time.Hour)
	done, err = c.IsEventProcessed(ctx, "pi_1", "charge.succeeded")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestUnreachableRedisReturnsErrors(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()
	mr.Close()

	_, _, err := c.AcquireLock(ctx, "charge:pi_1", time.Minute)
	assert.Error(t, err)
	_, err = c.IsEventProcessed(ctx, "pi_1", "charge.succeeded")
	assert.Error(t, err)
}
