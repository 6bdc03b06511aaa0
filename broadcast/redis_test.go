package broadcast

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestRedis_Delivery(t *testing.T) {
	ctx := context.Background()
	client := newTestRedisClient(t)
	name := "credential-cache-test-" + uuid.NewString()

	a := NewRedis(client, name)
	b := NewRedis(client, name)
	defer a.Close()
	defer b.Close()

	var gotA, gotB recorder
	_, err := a.Subscribe(ctx, gotA.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, gotB.handle)
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, Message{Key: "k", Value: strPtr("v")}))

	require.Eventually(t, func() bool { return len(gotB.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "k", gotB.snapshot()[0].Key)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, gotA.snapshot(), "own frames are dropped")
}
