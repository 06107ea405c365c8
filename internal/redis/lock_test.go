package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ms-fulfillment/internal/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis starts an in-memory Redis and a client pointed at it.
func setupTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if err := client.Ping(context.Background()).Err(); err != nil {
		mr.Close()
		t.Fatalf("Failed to connect to miniredis: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedis(client, 5*time.Second, logger.NewTestLogger(nil)), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	r, _ := setupTestRedis(t)
	ctx := context.Background()
	key := ConfirmKey("p1")

	token, ok, err := r.Acquire(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = r.Acquire(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	require.NoError(t, r.Release(ctx, key, token))

	_, ok, err = r.Acquire(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok, "lease is free after release")
}

func TestReleaseIgnoresForeignToken(t *testing.T) {
	r, _ := setupTestRedis(t)
	ctx := context.Background()
	key := PaymentKey("p1")

	_, ok, err := r.Acquire(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.Release(ctx, key, "not-my-token"))

	held, err := r.IsHeld(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestLeaseExpires(t *testing.T) {
	r, mr := setupTestRedis(t)
	ctx := context.Background()
	key := ConfirmKey("p2")

	token, ok, err := r.Acquire(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	newToken, ok, err := r.Acquire(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	// The stale holder's release must not free the new lease.
	require.NoError(t, r.Release(ctx, key, token))
	held, err := r.IsHeld(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)
	require.NoError(t, r.Release(ctx, key, newToken))
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	r, _ := setupTestRedis(t)
	ctx := context.Background()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := r.Acquire(ctx, ConfirmKey("race")); err == nil && ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

func TestAcquireSurfacesConnectionErrors(t *testing.T) {
	r, mr := setupTestRedis(t)
	mr.SetError("LOADING redis is loading the dataset")

	_, ok, err := r.Acquire(context.Background(), ConfirmKey("p3"))
	assert.Error(t, err)
	assert.False(t, ok)
}
