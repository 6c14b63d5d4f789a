//go:build integration

package pubsub

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

// setupRedis starts a Redis container for testing.
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

// strandEntry publishes to topic and leaves the entry pending on a consumer
// that never acknowledges it.
func strandEntry(t *testing.T, c *Client, group, topic string) string {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, c.ensureGroup(ctx, c.Stream(topic), group))
	id, err := c.Publish(ctx, topic, []byte("stranded"))
	require.NoError(t, err)

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: "crashed",
		Streams:  []string{c.Stream(topic), ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, res[0].Messages, 1)
	return id
}

func TestIntegration_ReclaimsStrandedEntries(t *testing.T) {
	rdb := setupRedis(t)
	c := NewClient(rdb, Options{Block: 100 * time.Millisecond, ClaimIdle: 300 * time.Millisecond, MaxDeliveries: 5})
	id := strandEntry(t, c, "workers", "jobs")

	sub, err := c.Subscribe(context.Background(), "workers", "jobs")
	require.NoError(t, err)
	defer sub.Close()

	select {
	case env := <-sub.Events():
		assert.Equal(t, id, env.ID)
		assert.Equal(t, []byte("stranded"), env.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("stranded entry was not reclaimed")
	}

	assert.Eventually(t, func() bool {
		p, err := rdb.XPending(context.Background(), c.Stream("jobs"), "workers").Result()
		return err == nil && p.Count == 0
	}, 2*time.Second, 50*time.Millisecond)
}

func TestIntegration_DropsAfterMaxDeliveries(t *testing.T) {
	rdb := setupRedis(t)
	c := NewClient(rdb, Options{Block: 100 * time.Millisecond, ClaimIdle: 300 * time.Millisecond, MaxDeliveries: 1})
	strandEntry(t, c, "workers", "jobs")

	sub, err := c.Subscribe(context.Background(), "workers", "jobs")
	require.NoError(t, err)
	defer sub.Close()

	assert.Eventually(t, func() bool {
		p, err := rdb.XPending(context.Background(), c.Stream("jobs"), "workers").Result()
		return err == nil && p.Count == 0
	}, 5*time.Second, 50*time.Millisecond)

	select {
	case env := <-sub.Events():
		t.Fatalf("dropped entry was delivered: %s", env.ID)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestIntegration_FanOutAndTrim(t *testing.T) {
	rdb := setupRedis(t)
	c := NewClient(rdb, Options{Block: 100 * time.Millisecond, MaxLen: 100})
	ctx := context.Background()

	a, err := c.Subscribe(ctx, "a", "MESSAGE_CREATE")
	require.NoError(t, err)
	defer a.Close()
	b, err := c.Subscribe(ctx, "b", "MESSAGE_CREATE")
	require.NoError(t, err)
	defer b.Close()

	for i := 0; i < 500; i++ {
		_, err := c.Publish(ctx, "MESSAGE_CREATE", []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	for _, sub := range []*Subscription{a, b} {
		seen := 0
		timeout := time.After(10 * time.Second)
		for seen < 100 {
			select {
			case <-sub.Events():
				seen++
			case <-timeout:
				t.Fatalf("group %s saw %d events", sub.Group(), seen)
			}
		}
	}

	n, err := rdb.XLen(ctx, c.Stream("MESSAGE_CREATE")).Result()
	require.NoError(t, err)
	assert.Less(t, n, int64(500), "stream should be trimmed approximately")
}
