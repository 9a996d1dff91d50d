package dto

import (
	"time"

	"github.com/apartner/apartner-talk/internal/domain"
)

// CreateConversationRequest payload.
type CreateConversationRequest struct {
	CategoryCode string `json:"category_code"`
}

// CreateMessageRequest payload for the staff reply endpoint.
type CreateMessageRequest struct {
	Body      string `json:"body"`
	ClientRef string `json:"client_ref,omitempty"`
}

// Conversation response.
type Conversation struct {
	ID            int64                     `json:"id"`
	CategoryCode  string                    `json:"category_code"`
	Title         string                    `json:"title"`
	Status        domain.ConversationStatus `json:"status"`
	LastMessage   string                    `json:"last_message,omitempty"`
	LastMessageAt *time.Time                `json:"last_message_at,omitempty"`
	StaffSeq      int64                     `json:"staff_seq"`
	ReadSeq       int64                     `json:"read_seq"`
	HasUnread     bool                      `json:"has_unread"`
	CreatedAt     time.Time                 `json:"created_at"`
	ClosedAt      *time.Time                `json:"closed_at,omitempty"`
}

// Message response.
type Message struct {
	ID             int64             `json:"id"`
	ConversationID int64             `json:"conversation_id"`
	Seq            int64             `json:"seq"`
	SenderRole     domain.SenderRole `json:"sender_role"`
	SenderID       string            `json:"sender_id,omitempty"`
	Body           string            `json:"body"`
	ClientRef      string            `json:"client_ref,omitempty"`
	SentAt         time.Time         `json:"sent_at"`
}

// FromConversation maps a domain conversation to its response shape.
func FromConversation(c *domain.Conversation) Conversation {
	return Conversation{
		ID:            c.ID,
		CategoryCode:  c.CategoryCode,
		Title:         c.Title,
		Status:        c.Status,
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
		StaffSeq:      c.StaffSeq,
		ReadSeq:       c.ReadSeq,
		HasUnread:     c.HasUnread(),
		CreatedAt:     c.CreatedAt,
		ClosedAt:      c.ClosedAt,
	}
}

// ToDomain maps the response back to a domain conversation.
func (c Conversation) ToDomain() *domain.Conversation {
	return &domain.Conversation{
		ID:            c.ID,
		CategoryCode:  c.CategoryCode,
		Title:         c.Title,
		Status:        c.Status,
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
		StaffSeq:      c.StaffSeq,
		ReadSeq:       c.ReadSeq,
		CreatedAt:     c.CreatedAt,
		ClosedAt:      c.ClosedAt,
	}
}

// FromMessage maps a domain message to its response shape.
func FromMessage(m *domain.Message) Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderRole:     m.SenderRole,
		SenderID:       m.SenderID,
		Body:           m.Body,
		ClientRef:      m.ClientRef,
		SentAt:         m.SentAt,
	}
}

// ToDomain maps the response back to a domain message.
func (m Message) ToDomain() domain.Message {
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderRole:     m.SenderRole,
		SenderID:       m.SenderID,
		Body:           m.Body,
		ClientRef:      m.ClientRef,
		SentAt:         m.SentAt,
	}
}

// Conversations maps a slice of domain conversations.
func Conversations(items []domain.Conversation) []Conversation {
	out := make([]Conversation, 0, len(items))
	for i := range items {
		out = append(out, FromConversation(&items[i]))
	}
	return out
}

// Messages maps a slice of domain messages.
func Messages(items []domain.Message) []Message {
	out := make([]Message, 0, len(items))
	for i := range items {
		out = append(out, FromMessage(&items[i]))
	}
	return out
}
