package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newMiniredisKV(t *testing.T) (*RedisKVStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisKVStore(client), mr
}

func TestRedisKVStore_SetGet(t *testing.T) {
	kv, _ := newMiniredisKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "msm:protocol:D1:10", `{"registers":{}}`, 5*time.Second))

	val, err := kv.Get(ctx, "msm:protocol:D1:10")
	require.NoError(t, err)
	require.Equal(t, `{"registers":{}}`, val)
}

func TestRedisKVStore_MissingKey(t *testing.T) {
	kv, _ := newMiniredisKV(t)

	_, err := kv.Get(context.Background(), "absent")
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisKVStore_TTLExpiry(t *testing.T) {
	kv, mr := newMiniredisKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", "v", 5*time.Second))

	mr.FastForward(6 * time.Second)

	_, err := kv.Get(ctx, "k")
	require.ErrorIs(t, err, ErrCacheMiss)
}
