package realtime

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/events"
)

// Broker carries chat events to the hub of every server instance.
type Broker interface {
	Publish(ctx context.Context, event events.Event) error
	// Run delivers events until ctx is cancelled.
	Run(ctx context.Context) error
}

// LocalBroker delivers straight to the in-process hub.
type LocalBroker struct {
	hub *Hub
}

// NewLocalBroker returns a broker for single-instance deployments.
func NewLocalBroker(hub *Hub) *LocalBroker {
	return &LocalBroker{hub: hub}
}

// Publish hands event to the hub.
func (b *LocalBroker) Publish(_ context.Context, event events.Event) error {
	b.hub.Deliver(event)
	return nil
}

// Run blocks until ctx is done.
func (b *LocalBroker) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// RedisBroker fans events out through a Redis pub/sub channel so every
// instance sees every event.
type RedisBroker struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *zap.Logger
	ready   chan struct{}
}

// NewRedisBroker builds a broker on client.
func NewRedisBroker(client *redis.Client, channel string, hub *Hub, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{
		client:  client,
		channel: channel,
		hub:     hub,
		logger:  logger.With(zap.String("component", "redis-broker"), zap.String("channel", channel)),
		ready:   make(chan struct{}),
	}
}

// Publish encodes event onto the channel.
func (b *RedisBroker) Publish(ctx context.Context, event events.Event) error {
	data, err := events.Encode(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Ready is closed once the subscription is confirmed.
func (b *RedisBroker) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes to the channel and hands decoded events to the hub.
func (b *RedisBroker) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return err
	}
	close(b.ready)
	b.logger.Info("subscribed to event channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := events.Decode([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("dropping malformed event", zap.Error(err))
				continue
			}
			b.hub.Deliver(event)
		}
	}
}
