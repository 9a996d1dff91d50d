package coordinator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/category"
	"github.com/apartner/apartner-talk/internal/directory"
	"github.com/apartner/apartner-talk/internal/domain"
	"github.com/apartner/apartner-talk/internal/transport"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

// CheckActiveChats asks the server for the resident's active conversation.
// On failure the picker falls back to "no active chat" with a retryable notice;
// the server still rejects a second conversation if one exists.
func (c *Coordinator) CheckActiveChats(ctx context.Context) error {
	c.mu.Lock()
	epoch, err := c.begin()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.unlockAndNotify()

	active, err := c.dir.FetchActiveConversation(ctx)

	c.mu.Lock()
	if !c.finish(epoch) {
		c.mu.Unlock()
		return nil
	}
	c.applyActiveLocked(active, err)
	c.unlockAndNotify()
	return err
}

// SetCategoryCode selects the category for the next conversation.
func (c *Coordinator) SetCategoryCode(code string) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.busy {
		c.mu.Unlock()
		return apperrors.NewActionInProgress()
	}
	if c.active != nil {
		c.mu.Unlock()
		return apperrors.NewInvalidState("an active conversation already exists")
	}
	cat, ok := c.categories.ByCode(category.Code(code))
	if !ok {
		c.mu.Unlock()
		return apperrors.NewValidationError("unknown category", map[string]any{"category_code": code})
	}
	if c.view == ViewChat {
		c.leaveChatLocked()
	}
	c.selected = string(cat.Code)
	c.view = ViewCategory
	c.notice = nil
	c.unlockAndNotify()
	return nil
}

// StartChat opens a conversation in the selected category and shows it.
// A CONFLICT from the server is resolved by re-syncing and surfacing the
// existing conversation; the selection is discarded.
func (c *Coordinator) StartChat(ctx context.Context) error {
	c.mu.Lock()
	epoch, err := c.begin()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if c.selected == "" {
		return c.abort(apperrors.NewInvalidState("select a category first"))
	}
	if c.active != nil {
		return c.abort(apperrors.NewInvalidState("an active conversation already exists"))
	}
	code := c.selected
	c.unlockAndNotify()

	conv, err := c.dir.CreateConversation(ctx, code)
	if err != nil {
		if apperrors.IsConflict(err) {
			c.logger.Info("conversation already active, re-syncing", zap.String("category", code))
			return c.resolveConflict(ctx, epoch, err)
		}
		c.mu.Lock()
		if !c.finish(epoch) {
			c.mu.Unlock()
			return nil
		}
		c.notice = noticeFor(err)
		c.unlockAndNotify()
		return err
	}

	c.mu.Lock()
	if c.torn || epoch != c.epoch {
		c.mu.Unlock()
		return nil
	}
	c.active = conv.Clone()
	c.loading = conv.ID
	c.mu.Unlock()

	c.logger.Info("conversation started", zap.Int64("conversation_id", conv.ID), zap.String("category", code))
	return c.loadChat(ctx, epoch, conv.ID, conv, ViewCategory)
}

func (c *Coordinator) resolveConflict(ctx context.Context, epoch uint64, conflict error) error {
	active, err := c.dir.FetchActiveConversation(ctx)
	if err == nil && active == nil {
		if id, ok := directory.ActiveConversationID(conflict); ok {
			if conv, ferr := c.dir.FetchConversation(ctx, id); ferr == nil && conv.IsActive() {
				active = conv
			}
		}
	}

	c.mu.Lock()
	if !c.finish(epoch) {
		c.mu.Unlock()
		return nil
	}
	c.selected = ""
	c.view = ViewCategory
	c.applyActiveLocked(active, err)
	if err == nil {
		c.notice = &Notice{Code: apperrors.CodeConflict, Message: "an active conversation already exists"}
	}
	c.unlockAndNotify()
	return err
}

// EnterActiveChat opens the known active conversation.
func (c *Coordinator) EnterActiveChat(ctx context.Context) error {
	c.mu.Lock()
	epoch, err := c.begin()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if c.active == nil {
		return c.abort(apperrors.NewInvalidState("there is no active conversation"))
	}
	conv := c.active.Clone()
	c.loading = conv.ID
	c.unlockAndNotify()

	return c.loadChat(ctx, epoch, conv.ID, conv, ViewCategory)
}

// EnterChatroomByID opens any conversation of the resident. Closed ones are read-only.
func (c *Coordinator) EnterChatroomByID(ctx context.Context, id int64) error {
	c.mu.Lock()
	epoch, err := c.begin()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	fallback := ViewCategory
	if c.view == ViewHistory {
		fallback = ViewHistory
	}
	var known *domain.Conversation
	if c.active != nil && c.active.ID == id {
		known = c.active.Clone()
	} else {
		for i := range c.history {
			if c.history[i].ID == id {
				known = c.history[i].Clone()
				break
			}
		}
	}
	c.loading = id
	c.unlockAndNotify()

	return c.loadChat(ctx, epoch, id, known, fallback)
}

// loadChat fetches what is missing for conversation id and switches to CHAT.
// Pushes for id are buffered by the tracker until the thread is in place.
func (c *Coordinator) loadChat(ctx context.Context, epoch uint64, id int64, conv *domain.Conversation, fallback View) error {
	var err error
	if conv == nil {
		conv, err = c.dir.FetchConversation(ctx, id)
	}
	var msgs []domain.Message
	if err == nil {
		msgs, err = c.dir.FetchMessages(ctx, id)
	}

	c.mu.Lock()
	if !c.finish(epoch) {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		if c.loading == id {
			c.loading = 0
			c.replayLocked()
		}
		c.notice = noticeFor(err)
		if apperrors.IsNotFound(err) {
			if c.active != nil && c.active.ID == id {
				c.active = nil
			}
			c.view = fallback
		}
		c.unlockAndNotify()
		c.logger.Warn("opening conversation failed", zap.Int64("conversation_id", id), zap.Error(err))
		return err
	}
	c.enterChatLocked(conv, msgs)
	c.unlockAndNotify()
	return nil
}

// RequestCloseChat asks for confirmation before closing the open or active conversation.
func (c *Coordinator) RequestCloseChat() error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.busy {
		c.mu.Unlock()
		return apperrors.NewActionInProgress()
	}
	var target int64
	switch {
	case c.view == ViewChat && c.open != nil:
		if c.readOnly || !c.open.IsActive() {
			id := c.open.ID
			c.mu.Unlock()
			return apperrors.NewConversationClosed(id)
		}
		target = c.open.ID
	case c.active != nil:
		target = c.active.ID
	default:
		c.mu.Unlock()
		return apperrors.NewInvalidState("there is no active conversation to close")
	}
	c.confirming = true
	c.closeTarget = target
	c.unlockAndNotify()
	return nil
}

// CancelCloseChat dismisses the close confirmation.
func (c *Coordinator) CancelCloseChat() {
	c.mu.Lock()
	if !c.confirming {
		c.mu.Unlock()
		return
	}
	c.confirming = false
	c.closeTarget = 0
	c.unlockAndNotify()
}

// ConfirmCloseChat closes the conversation chosen by RequestCloseChat and
// returns to the category picker.
func (c *Coordinator) ConfirmCloseChat(ctx context.Context) error {
	c.mu.Lock()
	epoch, err := c.begin()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !c.confirming || c.closeTarget == 0 {
		return c.abort(apperrors.NewInvalidState("closing was not requested"))
	}
	target := c.closeTarget
	c.unlockAndNotify()

	closed, err := c.dir.CloseConversation(ctx, target)

	c.mu.Lock()
	if !c.finish(epoch) {
		c.mu.Unlock()
		return nil
	}
	if err != nil && !apperrors.IsNotFound(err) {
		c.notice = noticeFor(err)
		c.unlockAndNotify()
		return err
	}
	if closed == nil {
		closed = &domain.Conversation{ID: target, Status: domain.ConversationStatusClosed}
	}
	c.confirming = false
	c.closeTarget = 0
	c.applyClosedLocked(*closed)
	if c.open != nil && c.open.ID == target {
		c.leaveChatLocked()
	}
	c.view = ViewCategory
	c.selected = ""
	c.notice = nil
	if err != nil {
		c.notice = noticeFor(err)
	}
	c.unlockAndNotify()
	if err == nil {
		c.logger.Info("conversation closed", zap.Int64("conversation_id", target))
	}
	return err
}

// ShowCategorySelection switches to the picker.
func (c *Coordinator) ShowCategorySelection() error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.busy {
		c.mu.Unlock()
		return apperrors.NewActionInProgress()
	}
	c.leaveChatLocked()
	c.view = ViewCategory
	c.notice = nil
	c.unlockAndNotify()
	return nil
}

// ShowChatHistory switches to the history list and loads it.
func (c *Coordinator) ShowChatHistory(ctx context.Context) error {
	c.mu.Lock()
	epoch, err := c.begin()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.leaveChatLocked()
	c.view = ViewHistory
	c.notice = nil
	c.unlockAndNotify()

	items, err := c.dir.ListConversations(ctx)

	c.mu.Lock()
	if !c.finish(epoch) {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.notice = noticeFor(err)
		c.unlockAndNotify()
		return err
	}
	c.history = make([]domain.Conversation, 0, len(items))
	for i := range items {
		c.history = append(c.history, *items[i].Clone())
		c.noteServerUnreadLocked(&items[i])
	}
	c.unlockAndNotify()
	return nil
}

// MarkMessagesAsRead clears the unread indicator and moves the server's read
// marker of every conversation that raised it.
func (c *Coordinator) MarkMessagesAsRead() {
	c.mu.Lock()
	if !c.unread && len(c.unreadIDs) == 0 {
		c.mu.Unlock()
		return
	}
	c.unread = false
	for id := range c.unreadIDs {
		for _, conv := range c.cachedLocked(id) {
			conv.MarkRead(conv.StaffSeq)
		}
		c.markReadLocked(id)
	}
	clear(c.unreadIDs)
	c.unlockAndNotify()
}

// SendMessage posts body to the open conversation. The entry shows as pending
// until acknowledged and is flagged failed when delivery fails.
func (c *Coordinator) SendMessage(ctx context.Context, body string) error {
	body = strings.TrimSpace(body)
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if body == "" {
		c.mu.Unlock()
		return apperrors.NewValidationError("message body must not be empty", nil)
	}
	if c.view != ViewChat || c.open == nil {
		c.mu.Unlock()
		return apperrors.NewInvalidState("no conversation is open")
	}
	if c.readOnly {
		id := c.open.ID
		c.mu.Unlock()
		return apperrors.NewConversationClosed(id)
	}
	ref := c.newRef()
	convID := c.open.ID
	c.thread.addLocal(ThreadEntry{
		Message: domain.Message{
			ConversationID: convID,
			SenderRole:     domain.SenderRoleResident,
			Body:           body,
			ClientRef:      ref,
			SentAt:         c.now(),
		},
		Status: EntryPending,
	})
	epoch := c.epoch
	c.unlockAndNotify()

	return c.deliver(ctx, epoch, convID, body, ref)
}

// RetryMessage re-sends a failed entry with its original content and reference.
func (c *Coordinator) RetryMessage(ctx context.Context, clientRef string) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.view != ViewChat || c.open == nil {
		c.mu.Unlock()
		return apperrors.NewInvalidState("no conversation is open")
	}
	entry := c.thread.findLocal(clientRef)
	if entry == nil || entry.Status != EntryFailed {
		c.mu.Unlock()
		return apperrors.NewInvalidState("no failed message with that reference")
	}
	if c.readOnly {
		id := c.open.ID
		c.mu.Unlock()
		return apperrors.NewConversationClosed(id)
	}
	entry.Status = EntryPending
	entry.ErrorCode = ""
	body := entry.Message.Body
	convID := c.open.ID
	epoch := c.epoch
	c.unlockAndNotify()

	return c.deliver(ctx, epoch, convID, body, clientRef)
}

func (c *Coordinator) deliver(ctx context.Context, epoch uint64, convID int64, body, ref string) error {
	msg, err := c.tr.SendMessage(ctx, transport.Outgoing{ConversationID: convID, Body: body, ClientRef: ref})

	c.mu.Lock()
	if c.torn || epoch != c.epoch || !c.viewingLocked(convID) {
		c.mu.Unlock()
		return err
	}
	if err != nil {
		if entry := c.thread.findLocal(ref); entry != nil {
			entry.Status = EntryFailed
			entry.ErrorCode = apperrors.CodeOf(err)
		}
		if apperrors.IsConversationClosed(err) {
			c.applyClosedLocked(domain.Conversation{ID: convID, Status: domain.ConversationStatusClosed})
		}
		c.unlockAndNotify()
		c.logger.Warn("message delivery failed",
			zap.Int64("conversation_id", convID), zap.String("client_ref", ref), zap.Error(err))
		return err
	}
	ack := *msg
	if ack.ConversationID == 0 {
		ack.ConversationID = convID
	}
	if ack.ClientRef == "" {
		ack.ClientRef = ref
	}
	c.applyMessageLocked(ack)
	c.unlockAndNotify()
	return nil
}

// applyActiveLocked records the result of an active-conversation lookup.
func (c *Coordinator) applyActiveLocked(active *domain.Conversation, err error) {
	if err != nil {
		if c.view != ViewChat {
			c.active = nil
		}
		c.notice = noticeFor(err)
		c.logger.Warn("active conversation check failed", zap.Error(err))
		return
	}
	c.active = active.Clone()
	if active != nil {
		c.selected = ""
		c.noteServerUnreadLocked(active)
	}
	c.notice = nil
}

func (c *Coordinator) enterChatLocked(conv *domain.Conversation, msgs []domain.Message) {
	c.dropViewSubsLocked()
	c.open = conv.Clone()
	c.thread = newThread(msgs)
	if last, ok := c.thread.last(); ok {
		c.open.ApplyMessage(last)
	}
	c.readOnly = !conv.IsActive()
	c.view = ViewChat
	c.selected = ""
	c.confirming = false
	c.closeTarget = 0
	c.notice = nil
	if conv.IsActive() {
		c.active = conv.Clone()
	} else if c.active != nil && c.active.ID == conv.ID {
		c.active = nil
	}
	c.viewSubs = append(c.viewSubs, c.tr.OnMessage(conv.ID, c.handleViewMessage))
	if c.loading == conv.ID {
		c.loading = 0
		c.replayLocked()
	}
	c.seenLocked(conv.ID)
}

func (c *Coordinator) leaveChatLocked() {
	c.dropViewSubsLocked()
	c.open = nil
	c.thread = nil
	c.readOnly = false
	c.confirming = false
	c.closeTarget = 0
}

func (c *Coordinator) dropViewSubsLocked() {
	for _, s := range c.viewSubs {
		s.Unsubscribe()
	}
	c.viewSubs = nil
}
