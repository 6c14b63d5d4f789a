// Package broker bridges the upstream gateway and the pub/sub transport.
//
// Every dispatch a shard receives is re-encoded with the binary codec and
// published under its event type. Commands published on the send topic are
// relayed to one shard or broadcast to all of them. Each broker replica
// reads the send topic under its own randomly named group, so every replica
// sees every command and forwards it to whichever shards it owns.
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/conduit/internal/gateway"
	"github.com/dyluth/conduit/internal/logging"
	"github.com/dyluth/conduit/pkg/cache"
	"github.com/dyluth/conduit/pkg/codec"
	consumer "github.com/dyluth/conduit/pkg/gateway"
	"github.com/dyluth/conduit/pkg/pubsub"
)

// GroupPrefix prefixes the broker's per-replica send group.
const GroupPrefix = "gateway-"

// ShardController is the part of the shard manager the broker drives.
type ShardController interface {
	ShardIDs() []int
	Send(ctx context.Context, shardID int, payload []byte) error
	Broadcast(ctx context.Context, payload []byte) error
	Events() <-chan gateway.Event
}

// Option configures a Broker.
type Option func(*Broker)

// WithGuildCache keeps guild snapshots current from GUILD_CREATE,
// GUILD_UPDATE and GUILD_DELETE dispatches.
func WithGuildCache(c *cache.Cache[cache.Guild]) Option {
	return func(b *Broker) {
		b.guilds = c
	}
}

// WithLogger replaces the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Broker) {
		b.log = l
	}
}

// Stats counts broker activity since start.
type Stats struct {
	Published     uint64
	PublishFailed uint64
	Relayed       uint64
	RelayFailed   uint64
}

// Broker relays between shards and the transport.
type Broker struct {
	ps     *pubsub.Client
	shards ShardController
	group  string
	log    *logging.Logger
	guilds *cache.Cache[cache.Guild]

	published     atomic.Uint64
	publishFailed atomic.Uint64
	relayed       atomic.Uint64
	relayFailed   atomic.Uint64
}

// New creates a broker with a fresh send group name.
func New(ps *pubsub.Client, shards ShardController, opts ...Option) *Broker {
	b := &Broker{
		ps:     ps,
		shards: shards,
		group:  GroupPrefix + uuid.NewString(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = logging.New("broker")
	}
	b.log = b.log.With("send_group", b.group)
	return b
}

// Group returns this replica's send group.
func (b *Broker) Group() string {
	return b.group
}

// Stats returns activity counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		PublishFailed: b.publishFailed.Load(),
		Relayed:       b.relayed.Load(),
		RelayFailed:   b.relayFailed.Load(),
	}
}

// Run relays until ctx is cancelled or the shard event stream closes. The
// send group is destroyed on the way out.
func (b *Broker) Run(ctx context.Context) error {
	// Subscribe may create the group before failing.
	defer b.destroyGroup()

	sub, err := b.ps.Subscribe(ctx, b.group, consumer.SendTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", consumer.SendTopic, err)
	}
	defer sub.Close()

	b.log.Event("broker_started", map[string]interface{}{
		"shard_ids": b.shards.ShardIDs(),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.relayLoop(runCtx, sub)
	}()

	b.publishLoop(runCtx)
	cancel()
	wg.Wait()

	b.log.Event("broker_stopped", map[string]interface{}{
		"published": b.published.Load(),
		"relayed":   b.relayed.Load(),
	})
	return nil
}

func (b *Broker) destroyGroup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.ps.DestroyGroup(ctx, b.group, consumer.SendTopic); err != nil {
		b.log.Error("send_group_destroy_failed", err, nil)
	}
}

// publishLoop consumes shard events in arrival order.
func (b *Broker) publishLoop(ctx context.Context) {
	events := b.shards.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				b.log.Printf("Shard event stream closed")
				return
			}
			b.handleEvent(ctx, e)
		}
	}
}

func (b *Broker) handleEvent(ctx context.Context, e gateway.Event) {
	if e.Kind != gateway.EventDispatch {
		b.logLifecycle(e)
		return
	}
	if e.Type == "" {
		return
	}

	if err := b.publish(ctx, e); err != nil {
		b.publishFailed.Add(1)
		b.log.Error("publish_failed", err, map[string]interface{}{
			"shard_id":   e.ShardID,
			"event_type": e.Type,
			"seq":        e.Seq,
		})
		return
	}
	b.published.Add(1)
}

func (b *Broker) publish(ctx context.Context, e gateway.Event) error {
	v, err := codec.FromJSON(e.Data)
	if err != nil {
		return fmt.Errorf("failed to convert %s payload: %w", e.Type, err)
	}
	data, err := codec.Encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", e.Type, err)
	}
	if _, err := b.ps.Publish(ctx, e.Type, data); err != nil {
		return err
	}

	if b.guilds != nil {
		b.warm(ctx, e.Type, v)
	}
	return nil
}

// warm keeps guild snapshots in step with guild dispatches. Failures only
// cost a later cache miss.
func (b *Broker) warm(ctx context.Context, eventType string, v codec.Value) {
	switch eventType {
	case "GUILD_CREATE", "GUILD_UPDATE":
		g, ok := cache.GuildFromValue(v)
		if !ok {
			return
		}
		if err := b.guilds.Set(ctx, g.ID.String(), g); err != nil {
			b.log.Error("guild_cache_set_failed", err, map[string]interface{}{"guild_id": g.ID.String()})
		}
	case "GUILD_DELETE":
		m, ok := v.(codec.Map)
		if !ok {
			return
		}
		id, ok := m.ID("id")
		if !ok {
			return
		}
		if err := b.guilds.Delete(ctx, id.String()); err != nil {
			b.log.Error("guild_cache_delete_failed", err, map[string]interface{}{"guild_id": id.String()})
		}
	}
}

func (b *Broker) logLifecycle(e gateway.Event) {
	data := map[string]interface{}{"shard_id": e.ShardID}
	switch e.Kind {
	case gateway.EventHeartbeat:
		// Too frequent for the info stream.
		return
	case gateway.EventError:
		b.log.Error("shard_error", e.Err, data)
	case gateway.EventClosed:
		if e.Err != nil {
			b.log.Warn("shard_closed", map[string]interface{}{"shard_id": e.ShardID, "error": e.Err.Error()})
			return
		}
		b.log.Event("shard_closed", data)
	default:
		b.log.Event("shard_"+string(e.Kind), data)
	}
}

func (b *Broker) relayLoop(ctx context.Context, sub *pubsub.Subscription) {
	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			b.relay(ctx, env)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			b.log.Error("send_subscription_error", err, nil)
		}
	}
}

func (b *Broker) relay(ctx context.Context, env pubsub.Envelope) {
	cmd, err := consumer.DecodeSend(env.Data)
	if err != nil {
		b.relayFailed.Add(1)
		b.log.Error("send_invalid", err, map[string]interface{}{"entry_id": env.ID})
		return
	}

	if cmd.ShardID != nil {
		err = b.shards.Send(ctx, int(*cmd.ShardID), cmd.Payload)
	} else {
		err = b.shards.Broadcast(ctx, cmd.Payload)
	}
	if err != nil {
		// The upstream connection owns buffering; a failed send is dropped.
		b.relayFailed.Add(1)
		data := map[string]interface{}{"entry_id": env.ID, "broadcast": cmd.ShardID == nil}
		if cmd.ShardID != nil {
			data["shard_id"] = *cmd.ShardID
		}
		b.log.Error("send_dropped", err, data)
		return
	}
	b.relayed.Add(1)
}
