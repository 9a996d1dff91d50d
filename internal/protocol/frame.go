// Package protocol defines the JSON frames exchanged over the realtime channel.
//
// Clients send "req" frames and receive a "res" frame carrying the same ID.
// The server pushes "event" frames for new messages and closed conversations,
// and tells staff about newly opened conversations.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/apartner/apartner-talk/internal/api/dto"
)

// Frame types.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Request methods.
const (
	MethodSendMessage = "send_message"
)

// Event names.
const (
	EventMessageCreated      = "message.created"
	EventConversationClosed  = "conversation.closed"
	EventConversationCreated = "conversation.created"
)

// Frame is a raw protocol frame.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is carried by failed responses.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SendMessageParams is the payload of a send_message request.
type SendMessageParams struct {
	ConversationID int64  `json:"conversation_id"`
	Body           string `json:"body"`
	ClientRef      string `json:"client_ref"`
}

// MessageCreated is the payload of a message.created event.
type MessageCreated struct {
	ConversationID int64       `json:"conversation_id"`
	Message        dto.Message `json:"message"`
}

// ConversationClosed is the payload of a conversation.closed event.
type ConversationClosed struct {
	ConversationID int64            `json:"conversation_id"`
	Conversation   dto.Conversation `json:"conversation"`
}

// ConversationCreated is the payload of a conversation.created event. Only
// staff connections receive it.
type ConversationCreated struct {
	ConversationID int64            `json:"conversation_id"`
	Conversation   dto.Conversation `json:"conversation"`
}

// NewRequest builds a request frame with a JSON-encoded payload.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s params: %w", method, err)
	}
	return Frame{Type: TypeRequest, ID: id, Method: method, Payload: raw}, nil
}

// NewEvent builds an event frame with a JSON-encoded payload.
func NewEvent(event string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Frame{Type: TypeEvent, Event: event, Payload: raw}, nil
}

// Success builds the positive response to request id.
func Success(id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode response payload: %w", err)
	}
	ok := true
	return Frame{Type: TypeResponse, ID: id, OK: &ok, Payload: raw}, nil
}

// Failure builds the negative response to request id.
func Failure(id, code, message string) Frame {
	ok := false
	return Frame{Type: TypeResponse, ID: id, OK: &ok, Error: &Error{Code: code, Message: message}}
}

// Succeeded reports whether a response frame carries a positive acknowledgement.
func (f Frame) Succeeded() bool {
	return f.OK != nil && *f.OK && f.Error == nil
}
