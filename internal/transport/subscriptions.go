package transport

import (
	"sync"

	"github.com/apartner/apartner-talk/internal/domain"
)

// MessageHandler receives inbound messages in arrival order.
type MessageHandler func(domain.Message)

// ClosedHandler receives conversations the server reports as CLOSED.
type ClosedHandler func(domain.Conversation)

// StatusHandler receives connection status changes.
type StatusHandler func(StatusChange)

// Subscription is the handle returned by the On* registrations.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription wraps cancel in a handle. Alternative transports use it.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Unsubscribe removes the handler. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

const anyConversation int64 = 0

type messageEntry struct {
	id             uint64
	conversationID int64
	fn             MessageHandler
}

type closedEntry struct {
	id uint64
	fn ClosedHandler
}

type statusEntry struct {
	id uint64
	fn StatusHandler
}

// registry keeps handlers in registration order; dispatch runs outside the lock.
type registry struct {
	mu      sync.RWMutex
	nextID  uint64
	message []messageEntry
	closed  []closedEntry
	status  []statusEntry
}

func (r *registry) addMessage(conversationID int64, fn MessageHandler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.message = append(r.message, messageEntry{id: id, conversationID: conversationID, fn: fn})
	return &Subscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.message {
			if e.id == id {
				r.message = append(r.message[:i:i], r.message[i+1:]...)
				return
			}
		}
	}}
}

func (r *registry) addClosed(fn ClosedHandler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.closed = append(r.closed, closedEntry{id: id, fn: fn})
	return &Subscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.closed {
			if e.id == id {
				r.closed = append(r.closed[:i:i], r.closed[i+1:]...)
				return
			}
		}
	}}
}

func (r *registry) addStatus(fn StatusHandler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.status = append(r.status, statusEntry{id: id, fn: fn})
	return &Subscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.status {
			if e.id == id {
				r.status = append(r.status[:i:i], r.status[i+1:]...)
				return
			}
		}
	}}
}

func (r *registry) dispatchMessage(msg domain.Message) {
	r.mu.RLock()
	handlers := make([]MessageHandler, 0, len(r.message))
	for _, e := range r.message {
		if e.conversationID == anyConversation || e.conversationID == msg.ConversationID {
			handlers = append(handlers, e.fn)
		}
	}
	r.mu.RUnlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

func (r *registry) dispatchClosed(conv domain.Conversation) {
	r.mu.RLock()
	handlers := make([]ClosedHandler, 0, len(r.closed))
	for _, e := range r.closed {
		handlers = append(handlers, e.fn)
	}
	r.mu.RUnlock()
	for _, fn := range handlers {
		fn(conv)
	}
}

func (r *registry) dispatchStatus(change StatusChange) {
	r.mu.RLock()
	handlers := make([]StatusHandler, 0, len(r.status))
	for _, e := range r.status {
		handlers = append(handlers, e.fn)
	}
	r.mu.RUnlock()
	for _, fn := range handlers {
		fn(change)
	}
}
