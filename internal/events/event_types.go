package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/apartner/apartner-talk/internal/api/dto"
	"github.com/apartner/apartner-talk/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventConversationCreated EventType = "conversation_created"
	EventMessageCreated      EventType = "message_created"
	EventConversationClosed  EventType = "conversation_closed"
)

// Actor encapsulates actor metadata for an event.
type Actor struct {
	Type domain.SubjectType `json:"type"`
	ID   string             `json:"id"`
}

// Event represents a domain event emitted by services. OwnerID is the
// resident that owns the conversation and decides who receives pushes.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	ConversationID int64     `json:"conversation_id"`
	OwnerID        string    `json:"owner_id"`
	Actor          Actor     `json:"actor"`
	Timestamp      time.Time `json:"timestamp"`
	Payload        any       `json:"payload"`
}

// ConversationCreatedPayload payload.
type ConversationCreatedPayload struct {
	Conversation dto.Conversation `json:"conversation"`
}

// MessageCreatedPayload payload.
type MessageCreatedPayload struct {
	Message dto.Message `json:"message"`
}

// ConversationClosedPayload payload.
type ConversationClosedPayload struct {
	Conversation dto.Conversation `json:"conversation"`
}

// Encode serializes an event for cross-process fan-out.
func Encode(event Event) ([]byte, error) {
	return json.Marshal(event)
}

// Decode restores an event and its typed payload.
func Decode(data []byte) (Event, error) {
	var raw struct {
		Event
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	event := raw.Event

	var err error
	switch event.Type {
	case EventConversationCreated:
		var p ConversationCreatedPayload
		err = json.Unmarshal(raw.Payload, &p)
		event.Payload = p
	case EventMessageCreated:
		var p MessageCreatedPayload
		err = json.Unmarshal(raw.Payload, &p)
		event.Payload = p
	case EventConversationClosed:
		var p ConversationClosedPayload
		err = json.Unmarshal(raw.Payload, &p)
		event.Payload = p
	default:
		return Event{}, fmt.Errorf("decode event: unknown type %q", event.Type)
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", event.Type, err)
	}
	return event, nil
}
