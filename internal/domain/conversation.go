package domain

import "time"

// ConversationStatus enumerates lifecycle states for support conversations.
type ConversationStatus string

const (
	ConversationStatusActive ConversationStatus = "ACTIVE"
	ConversationStatusClosed ConversationStatus = "CLOSED"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	return s == ConversationStatusActive || s == ConversationStatusClosed
}

// Conversation is one support ticket between a resident and staff.
// Status only ever moves from ACTIVE to CLOSED.
//
// StaffSeq is the seq of the newest message not written by the resident and
// ReadSeq the seq the resident has read up to; both only grow.
type Conversation struct {
	ID            int64
	UserID        string
	CategoryCode  string
	Title         string
	Status        ConversationStatus
	LastMessage   string
	LastMessageAt *time.Time
	StaffSeq      int64
	ReadSeq       int64
	CreatedAt     time.Time
	ClosedAt      *time.Time
}

// IsActive reports whether the conversation still accepts messages.
func (c *Conversation) IsActive() bool {
	return c != nil && c.Status == ConversationStatusActive
}

// HasUnread reports whether staff wrote after the resident last read.
func (c *Conversation) HasUnread() bool {
	return c != nil && c.StaffSeq > c.ReadSeq
}

// MarkRead moves the read marker up to seq.
func (c *Conversation) MarkRead(seq int64) {
	if seq > c.ReadSeq {
		c.ReadSeq = seq
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		out.LastMessageAt = &at
	}
	if c.ClosedAt != nil {
		at := *c.ClosedAt
		out.ClosedAt = &at
	}
	return &out
}

// ApplyMessage refreshes the denormalized last-message preview when msg is
// newer and advances the unread markers. A resident's own message counts as
// reading everything before it.
func (c *Conversation) ApplyMessage(msg Message) {
	if msg.Seq > 0 {
		if msg.SenderRole == SenderRoleResident {
			c.MarkRead(msg.Seq)
		} else if msg.Seq > c.StaffSeq {
			c.StaffSeq = msg.Seq
		}
	}
	if c.LastMessageAt != nil && msg.SentAt.Before(*c.LastMessageAt) {
		return
	}
	at := msg.SentAt
	c.LastMessage = Preview(msg.Body, PreviewLength)
	c.LastMessageAt = &at
}
