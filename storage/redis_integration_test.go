//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "start redis container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := DialRedis(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStore(t *testing.T) {
	client := newRedisClient(t)
	exerciseStore(t, NewRedisStore(client, WithPrefix("test:")))
}

func TestRedisStore_TakeOnce(t *testing.T) {
	client := newRedisClient(t)
	exerciseTakeOnce(t, NewRedisStore(client), NewRedisStore(client))
}

func TestRedisStore_PrefixIsolation(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)

	a := NewRedisStore(client, WithPrefix("a:"))
	b := NewRedisStore(client, WithPrefix("b:"))

	require.NoError(t, a.Set(ctx, "oauth_state", []byte("1")))
	_, err := b.Get(ctx, "oauth_state")
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := b.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)

	s := NewRedisStore(client, WithTTL(time.Minute))
	require.NoError(t, s.Set(ctx, "oauth_state", []byte("1")))

	ttl, err := client.TTL(ctx, DefaultRedisPrefix+"oauth_state").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}
