package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/domain"
)

// noteUnreadLocked raises the indicator for conversation id. Callers hold c.mu.
func (c *Coordinator) noteUnreadLocked(id int64) {
	c.unread = true
	c.unreadIDs[id] = struct{}{}
}

// noteServerUnreadLocked raises the indicator when the server reports staff
// messages past the resident's read marker on a conversation that is not on
// screen. The one on screen is acknowledged instead.
func (c *Coordinator) noteServerUnreadLocked(conv *domain.Conversation) {
	if !conv.HasUnread() {
		return
	}
	if c.viewingLocked(conv.ID) {
		c.seenLocked(conv.ID)
		return
	}
	c.noteUnreadLocked(conv.ID)
}

// seenLocked records that the thread of conversation id is on screen. The
// cached copies catch up locally and the server's read marker follows in the
// background. Callers hold c.mu.
func (c *Coordinator) seenLocked(id int64) {
	delete(c.unreadIDs, id)
	pending := false
	for _, conv := range c.cachedLocked(id) {
		if conv.HasUnread() {
			pending = true
			conv.MarkRead(conv.StaffSeq)
		}
	}
	if pending {
		c.markReadLocked(id)
	}
}

// cachedLocked returns every cached copy of conversation id.
func (c *Coordinator) cachedLocked(id int64) []*domain.Conversation {
	var out []*domain.Conversation
	if c.open != nil && c.open.ID == id {
		out = append(out, c.open)
	}
	if c.active != nil && c.active.ID == id {
		out = append(out, c.active)
	}
	for i := range c.history {
		if c.history[i].ID == id {
			out = append(out, &c.history[i])
		}
	}
	return out
}

// markReadLocked moves the server's read marker for conversation id. A failed
// request leaves the conversation unread on the next mount. Teardown waits for
// requests in flight. Callers hold c.mu.
func (c *Coordinator) markReadLocked(id int64) {
	if c.torn {
		return
	}
	c.marks.Add(1)
	go func() {
		defer c.marks.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.syncTimeout)
		defer cancel()
		if _, err := c.dir.MarkConversationRead(ctx, id); err != nil {
			c.logger.Warn("marking conversation read failed", zap.Int64("conversation_id", id), zap.Error(err))
			return
		}
		c.logger.Debug("conversation marked read", zap.Int64("conversation_id", id))
	}()
}
