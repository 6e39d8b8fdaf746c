package kvstore

import (
	"context"
	"net"
	"os"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lexichat/internal/config"
	"lexichat/internal/redis"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "ns1:conversations")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "ns1:conversations", "[]"))
	require.NoError(t, s.Set(ctx, "ns1:messages:a", `[{"id":"1"}]`))
	require.NoError(t, s.Set(ctx, "ns2:conversations", "[]"))

	v, err := s.Get(ctx, "ns1:messages:a")
	require.NoError(t, err)
	require.Equal(t, `[{"id":"1"}]`, v)

	keys, err := s.Keys(ctx, "ns1:")
	require.NoError(t, err)
	sort.Strings(keys)
	require.Equal(t, []string{"ns1:conversations", "ns1:messages:a"}, keys)

	require.NoError(t, s.Delete(ctx, keys...))
	keys, err = s.Keys(ctx, "ns1:")
	require.NoError(t, err)
	require.Empty(t, keys)

	_, err = s.Get(ctx, "ns2:conversations")
	require.NoError(t, err)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryStoreKeepsUntouchedEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Set(ctx, "ns:messages:a", `[{"id":"1"}]`))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set(ctx, "ns:conversations", "[]"))
		time.Sleep(10 * time.Millisecond)
	}
	v, err := s.Get(ctx, "ns:messages:a")
	require.NoError(t, err)
	require.Equal(t, `[{"id":"1"}]`, v)

	// stores without expiry need no keep-alive
	require.NoError(t, KeepAlive(ctx, s, "ns:"))
}

func redisFromEnv(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed store tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	client, err := redis.NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Raw().FlushDB(context.Background()).Err())
	return client
}

func TestRedisStore(t *testing.T) {
	exerciseStore(t, NewRedis(redisFromEnv(t), time.Minute))
}

func TestRedisKeepAliveExtendsNamespace(t *testing.T) {
	client := redisFromEnv(t)
	ctx := context.Background()
	s := NewRedis(client, time.Hour)

	require.NoError(t, client.Set(ctx, "ns:messages:a", "[]", 2*time.Second))
	require.NoError(t, client.Set(ctx, "other:conversations", "[]", 2*time.Second))
	require.NoError(t, KeepAlive(ctx, s, "ns:"))

	ttl, err := client.Raw().TTL(ctx, "ns:messages:a").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Minute)
	ttl, err = client.Raw().TTL(ctx, "other:conversations").Result()
	require.NoError(t, err)
	require.LessOrEqual(t, ttl, 2*time.Second)
}
