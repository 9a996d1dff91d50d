package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/events"
)

// EventPublisher fans chat events out to realtime connections.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// PushService relays chat events from the dispatcher to the realtime broker.
type PushService struct {
	dispatcher events.Dispatcher
	publisher  EventPublisher
	logger     *zap.Logger
}

// NewPushService creates the service.
func NewPushService(dispatcher events.Dispatcher, publisher EventPublisher, logger *zap.Logger) *PushService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushService{
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger,
	}
}

// RegisterHandlers subscribes to events.
func (n *PushService) RegisterHandlers() {
	if n.dispatcher == nil || n.publisher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventConversationCreated, n.relay)
	n.dispatcher.Subscribe(events.EventMessageCreated, n.relay)
	n.dispatcher.Subscribe(events.EventConversationClosed, n.relay)
}

func (n *PushService) relay(ctx context.Context, event events.Event) error {
	n.logger.Debug("relaying event",
		zap.String("event_type", string(event.Type)),
		zap.Int64("conversation_id", event.ConversationID),
		zap.String("owner_id", event.OwnerID))
	// Delivery must not depend on the request that caused the event.
	if err := n.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		n.logger.Error("push relay failed",
			zap.String("event_type", string(event.Type)),
			zap.Int64("conversation_id", event.ConversationID),
			zap.Error(err))
		return err
	}
	return nil
}
