package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Subscription is one consumer in a group reading a set of topics.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	client   *Client
	group    string
	consumer string
	streams  []string
	topics   map[string]string

	events chan Envelope
	errors chan error
	cancel func()
	done   chan struct{}
	once   sync.Once
}

// Subscribe joins group on every topic, creating streams and the group as
// needed, and starts delivering entries published from now on. A group that
// already exists keeps its position, so a durable group resumes where its
// members left off.
//
// Context cancellation also stops the subscription.
func (c *Client) Subscribe(ctx context.Context, group string, topics ...string) (*Subscription, error) {
	if group == "" {
		return nil, ErrNoGroup
	}
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}

	s := &Subscription{
		client:   c,
		group:    group,
		consumer: uuid.NewString(),
		topics:   make(map[string]string, len(topics)),
		events:   make(chan Envelope, 64),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}
	for _, topic := range topics {
		stream := c.Stream(topic)
		if _, dup := s.topics[stream]; dup {
			continue
		}
		s.topics[stream] = topic
		s.streams = append(s.streams, stream)
	}

	if err := s.ensureGroups(ctx); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(subCtx)

	return s, nil
}

// Events returns the channel of delivered messages.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan Envelope {
	return s.events
}

// Errors returns transport diagnostics. The subscription keeps retrying
// after every error; nothing needs to read this channel, and errors are
// dropped when nobody does.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Group returns the consumer group name.
func (s *Subscription) Group() string {
	return s.group
}

// Consumer returns this subscriber's consumer name within the group.
func (s *Subscription) Consumer() string {
	return s.consumer
}

// Close stops the subscription and waits for the read loop to exit.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

func (s *Subscription) ensureGroups(ctx context.Context) error {
	for _, stream := range s.streams {
		if err := s.client.ensureGroup(ctx, stream, s.group); err != nil {
			return err
		}
	}
	return nil
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer close(s.errors)

	opts := s.client.opts

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	streams := make([]string, 0, 2*len(s.streams))
	streams = append(streams, s.streams...)
	for range s.streams {
		streams = append(streams, ">")
	}

	var lastClaim time.Time
	for {
		if ctx.Err() != nil {
			return
		}

		if time.Since(lastClaim) >= opts.ClaimIdle/2 {
			lastClaim = time.Now()
			if !s.reclaim(ctx) {
				return
			}
		}

		res, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  streams,
			Count:    opts.Count,
			Block:    opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				b.Reset()
				continue
			}
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			if isNoGroup(err) {
				// Stream or group was deleted underneath us.
				if gerr := s.ensureGroups(ctx); gerr != nil {
					err = gerr
				}
			}
			s.report(fmt.Errorf("failed to read group %s: %w", s.group, err))
			if !sleep(ctx, b.NextBackOff()) {
				return
			}
			continue
		}
		b.Reset()

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if !s.deliver(ctx, stream.Stream, msg) {
					return
				}
			}
		}
	}
}

// deliver hands msg to the subscriber and acknowledges it. It returns false
// once the subscription is shutting down.
func (s *Subscription) deliver(ctx context.Context, stream string, msg redis.XMessage) bool {
	env := Envelope{
		Topic: s.topics[stream],
		ID:    msg.ID,
		Data:  fieldBytes(msg.Values[FieldData]),
	}
	if t, ok := msg.Values[FieldType].(string); ok && t != "" {
		env.Topic = t
	}

	select {
	case s.events <- env:
	case <-ctx.Done():
		return false
	}

	if err := s.client.rdb.XAck(ctx, stream, s.group, msg.ID).Err(); err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.report(fmt.Errorf("failed to ack %s on %s: %w", msg.ID, stream, err))
	}
	return true
}

// reclaim takes over entries other consumers of the group left pending for
// longer than ClaimIdle. Entries past MaxDeliveries are acknowledged and
// dropped instead.
func (s *Subscription) reclaim(ctx context.Context) bool {
	opts := s.client.opts
	rdb := s.client.rdb

	for _, stream := range s.streams {
		pending, err := rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  s.group,
			Idle:   opts.ClaimIdle,
			Start:  "-",
			End:    "+",
			Count:  opts.Count,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			s.report(fmt.Errorf("failed to list pending on %s: %w", stream, err))
			continue
		}
		if len(pending) == 0 {
			continue
		}

		for _, p := range pending {
			if p.RetryCount < opts.MaxDeliveries {
				continue
			}
			log.Printf("[PubSub] Dropping %s on %s after %d deliveries", p.ID, stream, p.RetryCount)
			if err := rdb.XAck(ctx, stream, s.group, p.ID).Err(); err != nil {
				s.report(fmt.Errorf("failed to drop %s on %s: %w", p.ID, stream, err))
			}
		}

		msgs, _, err := rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    s.group,
			MinIdle:  opts.ClaimIdle,
			Start:    "0-0",
			Count:    opts.Count,
			Consumer: s.consumer,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			s.report(fmt.Errorf("failed to claim on %s: %w", stream, err))
			continue
		}

		for _, msg := range msgs {
			if msg.Values == nil {
				// Trimmed out of the stream while pending.
				rdb.XAck(ctx, stream, s.group, msg.ID)
				continue
			}
			if !s.deliver(ctx, stream, msg) {
				return false
			}
		}
	}
	return true
}

func (s *Subscription) report(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

func fieldBytes(v interface{}) []byte {
	switch v := v.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
