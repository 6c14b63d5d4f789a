package broker

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/conduit/internal/gateway"
	"github.com/dyluth/conduit/pkg/cache"
	"github.com/dyluth/conduit/pkg/codec"
	consumer "github.com/dyluth/conduit/pkg/gateway"
	"github.com/dyluth/conduit/pkg/pubsub"
)

// fakeShards records what the broker sends to each shard.
type fakeShards struct {
	ids    []int
	events chan gateway.Event

	mu   sync.Mutex
	sent map[int][]string
}

func newFakeShards(ids ...int) *fakeShards {
	return &fakeShards{
		ids:    ids,
		events: make(chan gateway.Event, 16),
		sent:   make(map[int][]string),
	}
}

func (f *fakeShards) ShardIDs() []int                { return f.ids }
func (f *fakeShards) Events() <-chan gateway.Event { return f.events }

func (f *fakeShards) Send(ctx context.Context, id int, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, known := range f.ids {
		if known == id {
			f.sent[id] = append(f.sent[id], string(payload))
			return nil
		}
	}
	return gateway.ErrUnknownShard
}

func (f *fakeShards) Broadcast(ctx context.Context, payload []byte) error {
	for _, id := range f.ids {
		if err := f.Send(ctx, id, payload); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeShards) sentTo(id int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[id]...)
}

func setupTestTransport(t *testing.T) (*pubsub.Client, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return pubsub.NewClient(rdb, pubsub.Options{Block: 50 * time.Millisecond}), rdb
}

// startBroker runs b and waits until its send group exists.
func startBroker(t *testing.T, ps *pubsub.Client, b *Broker) func() {
	t.Helper()

	// Creating the group first means sends published from here on are
	// delivered; Run tolerates the existing group.
	require.NoError(t, ps.Redis().XGroupCreateMkStream(context.Background(), ps.Stream(consumer.SendTopic), b.Group(), "$").Err())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	// Wait for the relay to join its group so stop never races Subscribe.
	require.Eventually(t, func() bool {
		consumers, err := ps.Redis().XInfoConsumers(context.Background(), ps.Stream(consumer.SendTopic), b.Group()).Result()
		return err == nil && len(consumers) > 0
	}, 2*time.Second, 10*time.Millisecond)

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("broker did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func receiveDispatch(t *testing.T, sub *consumer.Subscription) consumer.Dispatch {
	t.Helper()
	select {
	case d, ok := <-sub.Events():
		require.True(t, ok)
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	return consumer.Dispatch{}
}

func TestBroker_GroupIsRandomPerReplica(t *testing.T) {
	ps, _ := setupTestTransport(t)
	a := New(ps, newFakeShards(0))
	b := New(ps, newFakeShards(0))

	assert.True(t, strings.HasPrefix(a.Group(), GroupPrefix))
	assert.NotEqual(t, a.Group(), b.Group())
}

func TestBroker_DispatchFanOut(t *testing.T) {
	ps, _ := setupTestTransport(t)
	shards := newFakeShards(0)
	b := New(ps, shards)
	startBroker(t, ps, b)

	ctx := context.Background()
	moderation, err := consumer.NewConsumer(ps, "moderation").Subscribe(ctx, "MESSAGE_CREATE")
	require.NoError(t, err)
	defer moderation.Close()
	audit, err := consumer.NewConsumer(ps, "audit").Subscribe(ctx, "MESSAGE_CREATE")
	require.NoError(t, err)
	defer audit.Close()

	shards.events <- gateway.Event{
		Kind:    gateway.EventDispatch,
		ShardID: 0,
		Type:    "MESSAGE_CREATE",
		Seq:     3,
		Data:    json.RawMessage(`{"id":"1","author_id":18446744073709551615,"content":"hi","pinned":false}`),
	}

	want := codec.Map{
		"id":        codec.Str("1"),
		"author_id": codec.Uint(math.MaxUint64),
		"content":   codec.Str("hi"),
		"pinned":    codec.Bool(false),
	}
	for _, sub := range []*consumer.Subscription{moderation, audit} {
		d := receiveDispatch(t, sub)
		assert.Equal(t, "MESSAGE_CREATE", d.Type)
		assert.Equal(t, want, d.Data)
	}

	for _, sub := range []*consumer.Subscription{moderation, audit} {
		select {
		case d := <-sub.Events():
			t.Fatalf("duplicate delivery of %s", d.ID)
		case <-time.After(200 * time.Millisecond):
		}
	}
	assert.Equal(t, uint64(1), b.Stats().Published)
}

func TestBroker_LifecycleEventsAreNotPublished(t *testing.T) {
	ps, rdb := setupTestTransport(t)
	shards := newFakeShards(0)
	b := New(ps, shards)
	startBroker(t, ps, b)

	shards.events <- gateway.Event{Kind: gateway.EventReady, ShardID: 0}
	shards.events <- gateway.Event{Kind: gateway.EventClosed, ShardID: 0, Err: errors.New("reset")}
	shards.events <- gateway.Event{Kind: gateway.EventDispatch, Type: "TYPING_START", Data: json.RawMessage(`{}`)}

	assert.Eventually(t, func() bool { return b.Stats().Published == 1 }, 2*time.Second, 10*time.Millisecond)

	keys, err := rdb.Keys(context.Background(), "*").Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{consumer.SendTopic, "TYPING_START"}, keys)
}

func TestBroker_InvalidDispatchIsCounted(t *testing.T) {
	ps, _ := setupTestTransport(t)
	shards := newFakeShards(0)
	b := New(ps, shards)
	startBroker(t, ps, b)

	shards.events <- gateway.Event{Kind: gateway.EventDispatch, Type: "BROKEN", Data: json.RawMessage(`{"n":1.5e400}`)}

	assert.Eventually(t, func() bool { return b.Stats().PublishFailed == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestBroker_BroadcastSend(t *testing.T) {
	ps, _ := setupTestTransport(t)
	shards := newFakeShards(0, 1, 2)
	b := New(ps, shards)
	startBroker(t, ps, b)

	ctx := context.Background()
	svc := consumer.NewConsumer(ps, "commands")
	require.NoError(t, svc.Send(ctx, consumer.ToAll([]byte(`{"op":3}`))))

	assert.Eventually(t, func() bool { return b.Stats().Relayed == 1 }, 2*time.Second, 10*time.Millisecond)
	for _, id := range []int{0, 1, 2} {
		assert.Equal(t, []string{`{"op":3}`}, shards.sentTo(id), "shard %d", id)
	}
}

func TestBroker_TargetedSend(t *testing.T) {
	ps, _ := setupTestTransport(t)
	shards := newFakeShards(0, 1)
	b := New(ps, shards)
	startBroker(t, ps, b)

	ctx := context.Background()
	svc := consumer.NewConsumer(ps, "commands")
	require.NoError(t, svc.Send(ctx, consumer.ToShard(1, []byte(`{"op":8}`))))
	require.NoError(t, svc.Send(ctx, consumer.ToShard(7, []byte(`{"op":8}`))))

	assert.Eventually(t, func() bool {
		s := b.Stats()
		return s.Relayed == 1 && s.RelayFailed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, shards.sentTo(0))
	assert.Equal(t, []string{`{"op":8}`}, shards.sentTo(1))
}

func TestBroker_EveryReplicaRelaysEverySend(t *testing.T) {
	ps, _ := setupTestTransport(t)
	shardsA := newFakeShards(0, 1)
	shardsB := newFakeShards(2, 3)
	a := New(ps, shardsA)
	b := New(ps, shardsB)
	startBroker(t, ps, a)
	startBroker(t, ps, b)

	require.NoError(t, consumer.NewConsumer(ps, "svc").Send(context.Background(), consumer.ToAll([]byte("x"))))

	assert.Eventually(t, func() bool {
		return a.Stats().Relayed == 1 && b.Stats().Relayed == 1
	}, 2*time.Second, 10*time.Millisecond)
	for _, id := range []int{0, 1} {
		assert.Equal(t, []string{"x"}, shardsA.sentTo(id))
	}
	for _, id := range []int{2, 3} {
		assert.Equal(t, []string{"x"}, shardsB.sentTo(id))
	}
}

func TestBroker_InvalidSendIsDropped(t *testing.T) {
	ps, _ := setupTestTransport(t)
	shards := newFakeShards(0)
	b := New(ps, shards)
	startBroker(t, ps, b)

	_, err := ps.Publish(context.Background(), consumer.SendTopic, []byte{0xc1})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return b.Stats().RelayFailed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, shards.sentTo(0))
}

func TestBroker_DestroysSendGroupOnExit(t *testing.T) {
	ps, rdb := setupTestTransport(t)
	b := New(ps, newFakeShards(0))
	stop := startBroker(t, ps, b)
	stop()

	// Recreating succeeds only if the group is gone.
	err := rdb.XGroupCreate(context.Background(), ps.Stream(consumer.SendTopic), b.Group(), "$").Err()
	assert.NoError(t, err)
}

func TestBroker_FailedStartDestroysSendGroup(t *testing.T) {
	ps, rdb := setupTestTransport(t)
	b := New(ps, newFakeShards(0))
	require.NoError(t, rdb.XGroupCreateMkStream(context.Background(), ps.Stream(consumer.SendTopic), b.Group(), "$").Err())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, b.Run(ctx))

	err := rdb.XGroupCreate(context.Background(), ps.Stream(consumer.SendTopic), b.Group(), "$").Err()
	assert.NoError(t, err)
}

func TestBroker_StopsWhenShardEventsClose(t *testing.T) {
	ps, _ := setupTestTransport(t)
	shards := newFakeShards(0)
	b := New(ps, shards)

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	close(shards.events)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not stop")
	}
}

func TestBroker_WarmsGuildCache(t *testing.T) {
	ps, rdb := setupTestTransport(t)
	guilds := cache.For(cache.NewRegistry(rdb), cache.GuildSnapshot)
	shards := newFakeShards(0)
	b := New(ps, shards, WithGuildCache(guilds))
	startBroker(t, ps, b)
	ctx := context.Background()

	shards.events <- gateway.Event{
		Kind: gateway.EventDispatch,
		Type: "GUILD_CREATE",
		Data: json.RawMessage(`{"id":"123456789012345678","name":"Lounge","owner_id":"223456789012345678","roles":[{"id":"323456789012345678","name":"mod","permissions":"8","position":1}]}`),
	}
	assert.Eventually(t, func() bool { return guilds.Has(ctx, "123456789012345678") }, 2*time.Second, 10*time.Millisecond)

	g, ok, err := guilds.Get(ctx, "123456789012345678")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Lounge", g.Name)
	assert.Equal(t, codec.Snowflake(223456789012345678), g.OwnerID)
	require.Len(t, g.Roles, 1)
	assert.Equal(t, "mod", g.Roles[0].Name)

	shards.events <- gateway.Event{
		Kind: gateway.EventDispatch,
		Type: "GUILD_UPDATE",
		Data: json.RawMessage(`{"id":"123456789012345678","name":"Parlour"}`),
	}
	assert.Eventually(t, func() bool {
		old, ok, _ := guilds.GetOld(ctx, "123456789012345678")
		return ok && old.Name == "Lounge"
	}, 2*time.Second, 10*time.Millisecond)

	shards.events <- gateway.Event{
		Kind: gateway.EventDispatch,
		Type: "GUILD_DELETE",
		Data: json.RawMessage(`{"id":"123456789012345678","unavailable":false}`),
	}
	assert.Eventually(t, func() bool { return !guilds.Has(ctx, "123456789012345678") }, 2*time.Second, 10*time.Millisecond)
}
