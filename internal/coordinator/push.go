package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/domain"
	"github.com/apartner/apartner-talk/internal/transport"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

// trackMessage sees every inbound message. It raises the unread flag for
// conversations that are not on screen and buffers pushes for a thread that
// is still loading. The open thread is fed by handleViewMessage.
func (c *Coordinator) trackMessage(msg domain.Message) {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	if c.loading != 0 && msg.ConversationID == c.loading {
		m := msg
		c.buffered = append(c.buffered, push{message: &m})
		c.mu.Unlock()
		return
	}
	if c.viewingLocked(msg.ConversationID) {
		c.mu.Unlock()
		return
	}
	c.applyMessageLocked(msg)
	c.unlockAndNotify()
}

func (c *Coordinator) handleViewMessage(msg domain.Message) {
	c.mu.Lock()
	if c.torn || c.loading == msg.ConversationID || !c.viewingLocked(msg.ConversationID) {
		c.mu.Unlock()
		return
	}
	c.applyMessageLocked(msg)
	c.unlockAndNotify()
}

func (c *Coordinator) handleClosed(conv domain.Conversation) {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	if c.loading != 0 && conv.ID == c.loading {
		cc := conv
		c.buffered = append(c.buffered, push{closed: &cc})
		c.mu.Unlock()
		return
	}
	c.applyClosedLocked(conv)
	c.unlockAndNotify()
}

func (c *Coordinator) handleStatus(change transport.StatusChange) {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.conn = change.Status
	if change.Status == transport.StatusUnauthorized {
		c.notice = &Notice{Code: apperrors.CodeUnauthorized, Message: "session is no longer valid"}
	}
	resync := change.Status == transport.StatusConnected && change.Resumed
	if resync {
		c.wg.Add(1)
	}
	c.unlockAndNotify()

	if resync {
		go func() {
			defer c.wg.Done()
			ctx, cancel := context.WithTimeout(c.ctx, c.syncTimeout)
			defer cancel()
			c.resync(ctx)
		}()
	}
}

// resync closes the gap left by a disconnect: it reloads the active
// conversation, the open thread and the history list on screen, merges them
// and then replays the pushes that arrived meanwhile. Staff messages missed
// during the gap raise the unread indicator through the server's read marker.
func (c *Coordinator) resync(ctx context.Context) {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	epoch := c.epoch
	var openID int64
	if c.view == ViewChat && c.open != nil && c.loading == 0 {
		openID = c.open.ID
		c.loading = openID
	}
	listing := c.mounted && c.view == ViewHistory
	c.mu.Unlock()

	active, aerr := c.dir.FetchActiveConversation(ctx)
	var (
		conv       *domain.Conversation
		msgs       []domain.Message
		history    []domain.Conversation
		cerr, merr error
		herr       error
	)
	if openID != 0 {
		conv, cerr = c.dir.FetchConversation(ctx, openID)
		msgs, merr = c.dir.FetchMessages(ctx, openID)
	}
	if listing {
		history, herr = c.dir.ListConversations(ctx)
	}

	c.mu.Lock()
	if c.torn || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	if aerr == nil {
		c.active = active.Clone()
	} else {
		c.logger.Warn("re-sync of active conversation failed", zap.Error(aerr))
	}
	if openID != 0 && c.open != nil && c.open.ID == openID {
		if cerr == nil && conv != nil {
			c.open = conv.Clone()
			c.readOnly = !conv.IsActive()
		} else if cerr != nil {
			c.logger.Warn("re-sync of open conversation failed", zap.Int64("conversation_id", openID), zap.Error(cerr))
		}
		if merr == nil {
			c.thread.reconcile(msgs)
			if last, ok := c.thread.last(); ok {
				c.open.ApplyMessage(last)
			}
		} else {
			c.logger.Warn("re-sync of thread failed", zap.Int64("conversation_id", openID), zap.Error(merr))
		}
		if c.readOnly && c.confirming && c.closeTarget == openID {
			c.confirming = false
			c.closeTarget = 0
		}
		c.seenLocked(openID)
	}
	if aerr == nil && active != nil {
		c.noteServerUnreadLocked(active)
	}
	if listing && c.view == ViewHistory {
		if herr == nil {
			c.history = make([]domain.Conversation, 0, len(history))
			for i := range history {
				c.history = append(c.history, *history[i].Clone())
				c.noteServerUnreadLocked(&history[i])
			}
		} else {
			c.logger.Warn("re-sync of history failed", zap.Error(herr))
		}
	}
	if openID != 0 && c.loading == openID {
		c.loading = 0
		c.replayLocked()
	}
	c.unlockAndNotify()
	c.logger.Debug("re-sync complete", zap.Int64("open_conversation_id", openID))
}

// replayLocked applies buffered pushes in arrival order.
func (c *Coordinator) replayLocked() {
	pending := c.buffered
	c.buffered = nil
	for _, p := range pending {
		switch {
		case p.message != nil:
			c.applyMessageLocked(*p.message)
		case p.closed != nil:
			c.applyClosedLocked(*p.closed)
		}
	}
}

func (c *Coordinator) applyMessageLocked(msg domain.Message) {
	viewing := c.viewingLocked(msg.ConversationID)
	if viewing {
		if !c.thread.add(msg) {
			return
		}
		c.open.ApplyMessage(msg)
	} else if msg.SenderRole != domain.SenderRoleResident {
		c.noteUnreadLocked(msg.ConversationID)
	}
	if c.active != nil && c.active.ID == msg.ConversationID {
		c.active.ApplyMessage(msg)
	}
	for i := range c.history {
		if c.history[i].ID == msg.ConversationID {
			c.history[i].ApplyMessage(msg)
		}
	}
	if viewing && msg.SenderRole != domain.SenderRoleResident {
		c.seenLocked(msg.ConversationID)
	}
}

func (c *Coordinator) applyClosedLocked(conv domain.Conversation) {
	closedAt := conv.ClosedAt
	if closedAt == nil {
		now := c.now()
		closedAt = &now
	}
	if c.active != nil && c.active.ID == conv.ID {
		c.active = nil
	}
	if c.open != nil && c.open.ID == conv.ID {
		c.open.Status = domain.ConversationStatusClosed
		if c.open.ClosedAt == nil {
			at := *closedAt
			c.open.ClosedAt = &at
		}
		c.readOnly = true
	}
	if c.closeTarget == conv.ID && !c.busy {
		c.confirming = false
		c.closeTarget = 0
	}
	for i := range c.history {
		if c.history[i].ID == conv.ID {
			c.history[i].Status = domain.ConversationStatusClosed
			if c.history[i].ClosedAt == nil {
				at := *closedAt
				c.history[i].ClosedAt = &at
			}
		}
	}
}
