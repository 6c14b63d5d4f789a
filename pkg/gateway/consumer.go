package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/dyluth/conduit/pkg/codec"
	"github.com/dyluth/conduit/pkg/pubsub"
)

// Dispatch is one upstream event received by a consumer.
type Dispatch struct {
	Type string
	ID   string
	Data codec.Value
}

// Consumer reads dispatch events under a durable group and publishes send
// commands. Replicas of one service share a group; different services use
// different groups and each get every event.
type Consumer struct {
	ps    *pubsub.Client
	group string
}

// NewConsumer creates a consumer for group.
func NewConsumer(ps *pubsub.Client, group string) *Consumer {
	return &Consumer{ps: ps, group: group}
}

// Send publishes cmd for the broker to relay.
func (c *Consumer) Send(ctx context.Context, cmd SendCommand) error {
	data, err := EncodeSend(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode send command: %w", err)
	}
	if _, err := c.ps.Publish(ctx, SendTopic, data); err != nil {
		return err
	}
	return nil
}

// Subscription delivers decoded dispatches.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	sub    *pubsub.Subscription
	events chan Dispatch
	errors chan error
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts receiving the given dispatch types.
func (c *Consumer) Subscribe(ctx context.Context, types ...string) (*Subscription, error) {
	sub, err := c.ps.Subscribe(ctx, c.group, types...)
	if err != nil {
		return nil, err
	}

	s := &Subscription{
		sub:    sub,
		events: make(chan Dispatch, 64),
		errors: make(chan error, 10),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Events returns decoded dispatches. The channel will be closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan Dispatch {
	return s.events
}

// Errors returns decode failures and transport diagnostics. Undecodable
// entries are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.sub.Close()
		<-s.done
	})
	return nil
}

func (s *Subscription) run() {
	defer close(s.done)
	defer close(s.events)
	defer close(s.errors)

	in, errs := s.sub.Events(), s.sub.Errors()
	for in != nil || errs != nil {
		select {
		case env, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			v, err := codec.Decode(env.Data)
			if err != nil {
				s.report(fmt.Errorf("failed to decode %s %s: %w", env.Topic, env.ID, err))
				continue
			}
			select {
			case s.events <- Dispatch{Type: env.Topic, ID: env.ID, Data: v}:
			case <-s.stop:
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.report(err)
		}
	}
}

func (s *Subscription) report(err error) {
	select {
	case s.errors <- err:
	default:
	}
}
