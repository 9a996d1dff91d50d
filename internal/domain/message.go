package domain

import (
	"sort"
	"strings"
	"time"
)

// SenderRole indicates who authored a message.
type SenderRole string

const (
	SenderRoleResident SenderRole = "RESIDENT"
	SenderRoleStaff    SenderRole = "STAFF"
	SenderRoleSystem   SenderRole = "SYSTEM"
)

// PreviewLength bounds the last-message preview kept on conversations.
const PreviewLength = 120

// Message captures one entry of a conversation thread.
// Seq is monotonic per conversation and breaks SentAt ties.
type Message struct {
	ID             int64
	ConversationID int64
	Seq            int64
	SenderRole     SenderRole
	SenderID       string
	Body           string
	ClientRef      string
	SentAt         time.Time
}

// MessageLess orders messages by SentAt, then Seq, then ID.
func MessageLess(a, b Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// SortMessages sorts msgs in thread order in place.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return MessageLess(msgs[i], msgs[j])
	})
}

// Preview trims body to at most max runes, appending an ellipsis when cut.
func Preview(body string, max int) string {
	body = strings.TrimSpace(body)
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
