// Package pubsub is a topic transport on Redis Streams with consumer-group
// fan-out.
//
// Each topic is one stream. Every consumer group attached to a stream gets
// its own copy of every entry, and within a group each entry is delivered to
// exactly one consumer. Services that must all see an event therefore use
// distinct groups; replicas of one service share a group.
//
// Delivery is at-least-once: entries are acknowledged after they have been
// handed to the subscriber, and entries left pending by a crashed consumer
// are reclaimed by the surviving members of the group.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream entry field names.
const (
	FieldType = "type"
	FieldData = "data"
)

var (
	// ErrNoTopics is returned by Subscribe when called without topics.
	ErrNoTopics = errors.New("at least one topic is required")

	// ErrNoGroup is returned when the group name is empty.
	ErrNoGroup = errors.New("group name cannot be empty")
)

// Options tune the transport. Zero values take the defaults documented on
// each field.
type Options struct {
	// Prefix is prepended to every topic to form the stream key.
	Prefix string

	// MaxLen bounds each stream approximately. Default 10000.
	MaxLen int64

	// Block is how long one XREADGROUP waits for entries. Default 2s.
	Block time.Duration

	// Count is the read batch size. Default 64.
	Count int64

	// ClaimIdle is how long an entry may stay pending before another
	// consumer of the group takes it over. Default 30s.
	ClaimIdle time.Duration

	// MaxDeliveries drops entries that have been delivered this many times
	// without being acknowledged. Default 5.
	MaxDeliveries int64
}

func (o Options) withDefaults() Options {
	if o.MaxLen <= 0 {
		o.MaxLen = 10000
	}
	if o.Block <= 0 {
		o.Block = 2 * time.Second
	}
	if o.Count <= 0 {
		o.Count = 64
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = 30 * time.Second
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	return o
}

// Envelope is one delivered message.
type Envelope struct {
	Topic string
	ID    string
	Data  []byte
}

// Client publishes and subscribes to topics. It is safe for concurrent use.
type Client struct {
	rdb  *redis.Client
	opts Options
}

// NewClient creates a transport over rdb.
func NewClient(rdb *redis.Client, opts Options) *Client {
	return &Client{rdb: rdb, opts: opts.withDefaults()}
}

// Redis returns the underlying client.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Stream returns the stream key for topic.
func (c *Client) Stream(topic string) string {
	return c.opts.Prefix + topic
}

// Publish appends data to topic and returns the entry id.
func (c *Client) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic cannot be empty")
	}

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Stream(topic),
		MaxLen: c.opts.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			FieldType: topic,
			FieldData: data,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return id, nil
}

// DestroyGroup removes group from every topic. Missing streams are ignored.
func (c *Client) DestroyGroup(ctx context.Context, group string, topics ...string) error {
	for _, topic := range topics {
		err := c.rdb.XGroupDestroy(ctx, c.Stream(topic), group).Err()
		if err != nil && !isNoStream(err) {
			return fmt.Errorf("failed to destroy group %s on %s: %w", group, topic, err)
		}
	}
	return nil
}

// CreateGroup creates group on every topic starting after start, which is
// a stream entry id or "0" for the whole retained history. Existing groups
// are left where they are. Subscribe creates missing groups at the end of
// the stream, so call CreateGroup first to replay.
func (c *Client) CreateGroup(ctx context.Context, group, start string, topics ...string) error {
	if group == "" {
		return ErrNoGroup
	}
	if len(topics) == 0 {
		return ErrNoTopics
	}
	for _, topic := range topics {
		if err := c.createGroup(ctx, c.Stream(topic), group, start); err != nil {
			return err
		}
	}
	return nil
}

// ensureGroup creates group on stream starting at new entries.
func (c *Client) ensureGroup(ctx context.Context, stream, group string) error {
	return c.createGroup(ctx, stream, group, "$")
}

func (c *Client) createGroup(ctx context.Context, stream, group, start string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

func isNoStream(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such key") || strings.Contains(msg, "requires the key to exist")
}
