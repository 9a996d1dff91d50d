// Package realtime is the server side of the websocket channel: it tracks
// connected sessions per user and fans chat events out to them.
package realtime

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/domain"
	"github.com/apartner/apartner-talk/internal/events"
	"github.com/apartner/apartner-talk/internal/observability"
	"github.com/apartner/apartner-talk/internal/protocol"
)

// Hub routes events to the sessions allowed to see them: the owning
// resident's sessions and every staff session.
type Hub struct {
	mu      sync.RWMutex
	byUser  map[string]map[*session]struct{}
	staff   map[*session]struct{}
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		byUser:  make(map[string]map[*session]struct{}),
		staff:   make(map[*session]struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.principal.IsStaff() {
		h.staff[s] = struct{}{}
		return
	}
	set, ok := h.byUser[s.principal.SubjectID]
	if !ok {
		set = make(map[*session]struct{})
		h.byUser[s.principal.SubjectID] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.staff, s)
	if set, ok := h.byUser[s.principal.SubjectID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.byUser, s.principal.SubjectID)
		}
	}
}

// Connections reports how many sessions user currently holds.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.byUser[userID])
	for s := range h.staff {
		if s.principal.SubjectID == userID {
			n++
		}
	}
	return n
}

// Deliver pushes event to every interested session. Sessions that cannot
// keep up are disconnected; they resynchronize on reconnect.
func (h *Hub) Deliver(event events.Event) {
	frame, staffOnly, err := frameFor(event)
	if err != nil {
		h.logger.Warn("dropping undeliverable event", zap.String("event_type", string(event.Type)), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*session, 0, len(h.staff)+2)
	if !staffOnly {
		for s := range h.byUser[event.OwnerID] {
			targets = append(targets, s)
		}
	}
	for s := range h.staff {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(frame) {
			h.logger.Warn("session too slow; disconnecting",
				zap.String("user_id", s.principal.SubjectID),
				zap.Int64("conversation_id", event.ConversationID))
			s.close()
		}
	}
	h.metrics.RecordEvent(frame.Event)
}

// CloseAll disconnects every session, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*session, 0, len(h.staff))
	for s := range h.staff {
		all = append(all, s)
	}
	for _, set := range h.byUser {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.close()
	}
}

func frameFor(event events.Event) (protocol.Frame, bool, error) {
	switch p := event.Payload.(type) {
	case events.MessageCreatedPayload:
		frame, err := protocol.NewEvent(protocol.EventMessageCreated, protocol.MessageCreated{
			ConversationID: event.ConversationID,
			Message:        p.Message,
		})
		return frame, false, err
	case events.ConversationClosedPayload:
		frame, err := protocol.NewEvent(protocol.EventConversationClosed, protocol.ConversationClosed{
			ConversationID: event.ConversationID,
			Conversation:   p.Conversation,
		})
		return frame, false, err
	case events.ConversationCreatedPayload:
		frame, err := protocol.NewEvent(protocol.EventConversationCreated, protocol.ConversationCreated{
			ConversationID: event.ConversationID,
			Conversation:   p.Conversation,
		})
		return frame, true, err
	}
	return protocol.Frame{}, false, fmt.Errorf("unsupported payload %T for %s", event.Payload, event.Type)
}

// session is one websocket connection.
type session struct {
	principal *domain.Principal
	send      chan protocol.Frame
	done      chan struct{}
	once      sync.Once
}

func newSession(principal *domain.Principal, buffer int) *session {
	return &session{
		principal: principal,
		send:      make(chan protocol.Frame, buffer),
		done:      make(chan struct{}),
	}
}

func (s *session) enqueue(frame protocol.Frame) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}
