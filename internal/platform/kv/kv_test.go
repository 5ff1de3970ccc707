package kv

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func exerciseStore(t *testing.T, s store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "perm:page:a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "perm:page:a", "1"))
	require.NoError(t, s.Set(ctx, "perm:page:b", "2"))
	require.NoError(t, s.Set(ctx, "perm:role:hr:all", "3"))
	require.NoError(t, s.Set(ctx, "theme", "dark"))
	require.NoError(t, s.Set(ctx, "perm:page:a", "4"))

	v, ok, err := s.Get(ctx, "perm:page:a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "4", v)

	keys, err := s.Keys(ctx, "perm:page:")
	require.NoError(t, err)
	require.Equal(t, []string{"perm:page:a", "perm:page:b"}, keys)

	keys, err = s.Keys(ctx, "")
	require.NoError(t, err)
	require.Len(t, keys, 4)

	require.NoError(t, s.Remove(ctx, "perm:page:a", "perm:page:missing"))
	require.NoError(t, s.Remove(ctx))
	keys, err = s.Keys(ctx, "perm:")
	require.NoError(t, err)
	require.Equal(t, []string{"perm:page:b", "perm:role:hr:all"}, keys)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	exerciseStore(t, m)
	require.Equal(t, 3, m.Len())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	exerciseStore(t, NewRedis(client, "staffhub:"))

	require.True(t, mr.Exists("staffhub:perm:page:b"))
	require.False(t, mr.Exists("perm:page:b"))
	require.Zero(t, mr.TTL("staffhub:perm:page:b"))
}

func TestRedisStorePrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	ctx := context.Background()

	a := NewRedis(client, "tenant-a:")
	b := NewRedis(client, "tenant-b:")
	require.NoError(t, a.Set(ctx, "perm:page:x", "1"))
	require.NoError(t, b.Set(ctx, "perm:page:y", "1"))

	keys, err := a.Keys(ctx, "perm:")
	require.NoError(t, err)
	require.Equal(t, []string{"perm:page:x"}, keys)
}
