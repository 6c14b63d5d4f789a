//go:build integration

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "Failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, nat.Port("6379/tcp"))
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestIntegration_GenerationRotation(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	guilds := New(rdb, GuildSnapshot)

	require.NoError(t, guilds.Set(ctx, "7", Guild{ID: 7, Name: "one", Roles: []Role{}}))
	require.NoError(t, guilds.Set(ctx, "7", Guild{ID: 7, Name: "two", Roles: []Role{}}))

	cur, ok, err := guilds.GetStrict(ctx, "7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "two", cur.Name)

	old, ok, err := guilds.GetOld(ctx, "7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", old.Name)

	for _, key := range []string{GuildSnapshot.Key("7"), GuildSnapshot.OldKey("7")} {
		ttl, err := rdb.TTL(ctx, key).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, GuildSnapshot.TTL-time.Minute, key)
	}

	require.NoError(t, guilds.Delete(ctx, "7"))
	assert.False(t, guilds.Has(ctx, "7"))
	_, ok, err = guilds.GetOld(ctx, "7")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIntegration_InactivityExpiry(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	short := &Entity[Channel]{Name: "channel", Prefix: "it-channel", TTL: time.Second, Codec: ChannelSnapshot.Codec}
	channels := New(rdb, short)

	require.NoError(t, channels.Set(ctx, "1", Channel{ID: 1, Name: "general"}))

	// Reads keep the entry alive past its TTL.
	for i := 0; i < 4; i++ {
		time.Sleep(400 * time.Millisecond)
		_, ok, err := channels.Get(ctx, "1")
		require.NoError(t, err)
		require.True(t, ok, "read %d", i)
	}

	assert.Eventually(t, func() bool { return !channels.Has(ctx, "1") }, 3*time.Second, 100*time.Millisecond)
}
