package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestPublishToStream_GetStreamEntry(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	id, err := PublishToStream(ctx, client, "vitals:test", map[string]interface{}{
		"glucose": 45.5,
		"battery": 80,
		"ok":      true,
		"tags":    []string{"a", "b"},
	})
	require.NoError(t, err)

	msg, err := GetStreamEntry(ctx, client, "vitals:test", id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "45.5", msg.Values["glucose"])
	assert.Equal(t, "80", msg.Values["battery"])
	assert.Equal(t, "true", msg.Values["ok"])
	assert.Equal(t, `["a","b"]`, msg.Values["tags"])
}

func TestGetStreamEntry_Missing(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	_, err := PublishToStream(ctx, client, "vitals:test", map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	msg, err := GetStreamEntry(ctx, client, "vitals:test", "1-0")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestReadLatest_NewestFirst(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	for _, v := range []string{"first", "second", "third"} {
		_, err := PublishToStream(ctx, client, "vitals:feed", map[string]interface{}{"v": v})
		require.NoError(t, err)
	}

	msgs, err := ReadLatest(ctx, client, "vitals:feed", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "third", msgs[0].Values["v"])
	assert.Equal(t, "second", msgs[1].Values["v"])
}

func TestCreateConsumerGroup_Idempotent(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, CreateConsumerGroup(ctx, client, "vitals:readings", "vitals"))
	require.NoError(t, CreateConsumerGroup(ctx, client, "vitals:readings", "vitals"))
}
