package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/api/dto"
	"github.com/apartner/apartner-talk/internal/category"
	"github.com/apartner/apartner-talk/internal/domain"
	"github.com/apartner/apartner-talk/internal/events"
	"github.com/apartner/apartner-talk/internal/repository"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

// MaxMessageLength bounds a message body in runes.
const MaxMessageLength = 2000

// ChatService coordinates conversation workflows for residents and staff.
type ChatService struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	categories    *category.Registry
	dispatcher    events.Dispatcher
	logger        *zap.Logger
	now           func() time.Time
}

// ChatDependencies bundles collaborators for the chat service.
type ChatDependencies struct {
	ConversationRepo repository.ConversationRepository
	MessageRepo      repository.MessageRepository
	Categories       *category.Registry
	Dispatcher       events.Dispatcher
	Logger           *zap.Logger
}

// StaffConversationFilter describes staff listing filters.
type StaffConversationFilter struct {
	Statuses []domain.ConversationStatus
	Limit    int
	Offset   int
}

// NewChatService constructs the service.
func NewChatService(deps ChatDependencies) *ChatService {
	categories := deps.Categories
	if categories == nil {
		categories = category.NewRegistry()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		conversations: deps.ConversationRepo,
		messages:      deps.MessageRepo,
		categories:    categories,
		dispatcher:    deps.Dispatcher,
		logger:        logger,
		now:           time.Now,
	}
}

// CreateConversation opens a conversation for a resident. A resident with an
// ACTIVE conversation gets a conflict naming it.
func (s *ChatService) CreateConversation(ctx context.Context, p *domain.Principal, categoryCode string) (*domain.Conversation, error) {
	if p.IsStaff() {
		return nil, apperrors.NewForbidden("only residents open conversations")
	}
	cat, ok := s.categories.ByCode(category.Code(categoryCode))
	if !ok {
		return nil, apperrors.NewValidationError("unknown category", map[string]any{"category_code": categoryCode})
	}

	if active, err := s.conversations.GetActiveByUser(ctx, p.SubjectID); err == nil {
		return nil, activeConflict(active.ID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	n, err := s.conversations.CountByUserCategory(ctx, p.SubjectID, string(cat.Code))
	if err != nil {
		return nil, err
	}
	conv := &domain.Conversation{
		UserID:       p.SubjectID,
		CategoryCode: string(cat.Code),
		Title:        fmt.Sprintf("%s #%d", cat.DisplayName, n+1),
		Status:       domain.ConversationStatusActive,
		CreatedAt:    s.now(),
	}
	if err := s.conversations.Create(ctx, conv); err != nil {
		if errors.Is(err, repository.ErrActiveConversationExists) {
			// Lost a race with another device of the same resident.
			active, getErr := s.conversations.GetActiveByUser(ctx, p.SubjectID)
			if getErr != nil {
				return nil, apperrors.NewConflict("an active conversation already exists", nil)
			}
			return nil, activeConflict(active.ID)
		}
		return nil, err
	}

	s.logger.Info("conversation opened",
		zap.Int64("conversation_id", conv.ID),
		zap.String("user_id", conv.UserID),
		zap.String("category_code", conv.CategoryCode))
	s.publishEvent(ctx, events.Event{
		Type:           events.EventConversationCreated,
		ConversationID: conv.ID,
		OwnerID:        conv.UserID,
		Actor:          actorOf(p),
		Payload:        events.ConversationCreatedPayload{Conversation: dto.FromConversation(conv)},
	})
	return conv, nil
}

// ActiveConversation returns the caller's ACTIVE conversation, or nil.
func (s *ChatService) ActiveConversation(ctx context.Context, p *domain.Principal) (*domain.Conversation, error) {
	conv, err := s.conversations.GetActiveByUser(ctx, p.SubjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return conv, err
}

// ListConversations returns the caller's conversations, newest first.
func (s *ChatService) ListConversations(ctx context.Context, p *domain.Principal) ([]domain.Conversation, error) {
	return s.conversations.ListByUser(ctx, p.SubjectID)
}

// GetConversation loads a conversation the caller may see. Foreign
// conversations are reported as missing.
func (s *ChatService) GetConversation(ctx context.Context, p *domain.Principal, id int64) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, id)
	}
	if !canAccess(p, conv) {
		return nil, notFound(id)
	}
	return conv, nil
}

// ListMessages returns the thread of a conversation in order.
func (s *ChatService) ListMessages(ctx context.Context, p *domain.Principal, id int64) ([]domain.Message, error) {
	if _, err := s.GetConversation(ctx, p, id); err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListByConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	domain.SortMessages(msgs)
	return msgs, nil
}

// CloseConversation moves an ACTIVE conversation to CLOSED. Closing an
// already closed conversation reports not found.
func (s *ChatService) CloseConversation(ctx context.Context, p *domain.Principal, id int64) (*domain.Conversation, error) {
	if _, err := s.GetConversation(ctx, p, id); err != nil {
		return nil, err
	}
	conv, err := s.conversations.Close(ctx, id, s.now())
	if err != nil {
		return nil, mapRepoError(err, id)
	}

	s.logger.Info("conversation closed",
		zap.Int64("conversation_id", conv.ID),
		zap.String("closed_by", string(p.Subject)))
	s.publishEvent(ctx, events.Event{
		Type:           events.EventConversationClosed,
		ConversationID: conv.ID,
		OwnerID:        conv.UserID,
		Actor:          actorOf(p),
		Payload:        events.ConversationClosedPayload{Conversation: dto.FromConversation(conv)},
	})
	return conv, nil
}

// PostMessage appends a message authored by the caller. A repeated client
// reference returns the stored message without a second event.
func (s *ChatService) PostMessage(ctx context.Context, p *domain.Principal, id int64, body, clientRef string) (*domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperrors.NewValidationError("message body is required", nil)
	}
	if utf8.RuneCountInString(body) > MaxMessageLength {
		return nil, apperrors.NewValidationError("message body is too long",
			map[string]any{"max_length": MaxMessageLength})
	}
	conv, err := s.GetConversation(ctx, p, id)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ConversationID: conv.ID,
		SenderRole:     p.SenderRole(),
		SenderID:       p.SubjectID,
		Body:           body,
		ClientRef:      strings.TrimSpace(clientRef),
		SentAt:         s.now(),
	}
	created, err := s.messages.Append(ctx, msg)
	if err != nil {
		return nil, mapRepoError(err, id)
	}
	if !created {
		s.logger.Debug("duplicate send acknowledged",
			zap.Int64("conversation_id", id),
			zap.String("client_ref", msg.ClientRef))
		return msg, nil
	}

	s.publishEvent(ctx, events.Event{
		Type:           events.EventMessageCreated,
		ConversationID: conv.ID,
		OwnerID:        conv.UserID,
		Actor:          actorOf(p),
		Payload:        events.MessageCreatedPayload{Message: dto.FromMessage(msg)},
	})
	return msg, nil
}

// MarkRead records that the resident has read every message of a
// conversation they own. Staff keep no read marker.
func (s *ChatService) MarkRead(ctx context.Context, p *domain.Principal, id int64) (*domain.Conversation, error) {
	if p.IsStaff() {
		return nil, apperrors.NewForbidden("only residents keep a read marker")
	}
	if _, err := s.GetConversation(ctx, p, id); err != nil {
		return nil, err
	}
	conv, err := s.conversations.MarkRead(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, id)
	}
	s.logger.Debug("conversation read",
		zap.Int64("conversation_id", id),
		zap.Int64("read_seq", conv.ReadSeq))
	return conv, nil
}

// ListStaffConversations returns conversations across residents for staff.
func (s *ChatService) ListStaffConversations(ctx context.Context, p *domain.Principal, filter StaffConversationFilter) ([]domain.Conversation, error) {
	if !p.IsStaff() {
		return nil, apperrors.NewForbidden("staff role required")
	}
	return s.conversations.ListWithFilter(ctx, repository.ConversationFilter{
		Statuses: filter.Statuses,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	})
}

func (s *ChatService) publishEvent(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("event_type", string(event.Type)),
			zap.Int64("conversation_id", event.ConversationID),
			zap.Error(err))
	}
}

func canAccess(p *domain.Principal, conv *domain.Conversation) bool {
	return p.IsStaff() || conv.UserID == p.SubjectID
}

func actorOf(p *domain.Principal) events.Actor {
	return events.Actor{Type: p.Subject, ID: p.SubjectID}
}

func activeConflict(id int64) error {
	return apperrors.NewConflict("an active conversation already exists",
		map[string]any{"active_conversation_id": id})
}

func notFound(id int64) error {
	return apperrors.NewNotFound("conversation", map[string]any{"conversation_id": id})
}

func mapRepoError(err error, id int64) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return notFound(id)
	case errors.Is(err, repository.ErrConversationClosed):
		return apperrors.NewConversationClosed(id)
	}
	return err
}
