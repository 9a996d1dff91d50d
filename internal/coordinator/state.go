package coordinator

import (
	"github.com/apartner/apartner-talk/internal/domain"
	"github.com/apartner/apartner-talk/internal/transport"
)

// View is the panel the widget shows.
type View int

const (
	ViewNone View = iota
	ViewCategory
	ViewChat
	ViewHistory
)

func (v View) String() string {
	switch v {
	case ViewNone:
		return "NONE"
	case ViewCategory:
		return "CATEGORY"
	case ViewChat:
		return "CHAT"
	case ViewHistory:
		return "HISTORY"
	default:
		return "UNKNOWN"
	}
}

// EntryStatus tracks delivery of a thread entry.
type EntryStatus string

const (
	EntrySent    EntryStatus = "SENT"
	EntryPending EntryStatus = "PENDING"
	EntryFailed  EntryStatus = "FAILED"
)

// ThreadEntry is one rendered line of the open conversation.
type ThreadEntry struct {
	Message   domain.Message
	Status    EntryStatus
	ErrorCode string
}

// Notice is an inline message shown next to the current view.
type Notice struct {
	Code      string
	Message   string
	Retryable bool
}

// State is an immutable snapshot handed to views.
type State struct {
	View               View
	SelectedCategory   string
	ActiveConversation *domain.Conversation
	HasUnreadMessages  bool

	// Conversation is the one open in CHAT.
	Conversation    *domain.Conversation
	Thread          []ThreadEntry
	ReadOnly        bool
	History         []domain.Conversation
	Pending         bool
	ConfirmingClose bool
	Notice          *Notice
	Connection      transport.Status
	Mounted         bool
}

// HasActiveChat reports whether the picker should offer the resume/close affordance.
func (s State) HasActiveChat() bool {
	return s.ActiveConversation != nil
}

// CanSend reports whether the composer is enabled.
func (s State) CanSend() bool {
	return s.View == ViewChat && s.Conversation != nil && !s.ReadOnly
}

func (s State) clone() State {
	out := s
	out.ActiveConversation = s.ActiveConversation.Clone()
	out.Conversation = s.Conversation.Clone()
	if s.Thread != nil {
		out.Thread = make([]ThreadEntry, len(s.Thread))
		copy(out.Thread, s.Thread)
	}
	if s.History != nil {
		out.History = make([]domain.Conversation, len(s.History))
		for i := range s.History {
			out.History[i] = *s.History[i].Clone()
		}
	}
	if s.Notice != nil {
		n := *s.Notice
		out.Notice = &n
	}
	return out
}
