package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestElectionLock_SecondAcquireFails(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	a := New(client, "guardian:scheduler:lock", &Config{TTL: time.Minute}, nil)
	b := New(client, "guardian:scheduler:lock", &Config{TTL: time.Minute}, nil)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestElectionLock_ReleaseThenReacquire(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	a := New(client, "guardian:scheduler:lock", nil, nil)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Release(ctx))
	assert.False(t, a.IsAcquired())

	b := New(client, "guardian:scheduler:lock", nil, nil)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestElectionLock_ExtendFailsAfterLost(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	a := New(client, "guardian:scheduler:lock", &Config{TTL: time.Minute}, nil)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Release(ctx))

	err = a.Extend(ctx, time.Minute)
	assert.Error(t, err)
}
