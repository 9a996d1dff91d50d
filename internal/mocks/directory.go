package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/apartner/apartner-talk/internal/domain"
)

// DirectoryMock is a testify mock of the chat directory client.
type DirectoryMock struct {
	mock.Mock
}

// CreateConversation mocks opening a conversation.
func (m *DirectoryMock) CreateConversation(ctx context.Context, code string) (*domain.Conversation, error) {
	args := m.Called(ctx, code)
	return conversationArg(args, 0), args.Error(1)
}

// FetchActiveConversation mocks the active conversation lookup.
func (m *DirectoryMock) FetchActiveConversation(ctx context.Context) (*domain.Conversation, error) {
	args := m.Called(ctx)
	return conversationArg(args, 0), args.Error(1)
}

// ListConversations mocks the history listing.
func (m *DirectoryMock) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Conversation), args.Error(1)
}

// FetchConversation mocks loading one conversation.
func (m *DirectoryMock) FetchConversation(ctx context.Context, id int64) (*domain.Conversation, error) {
	args := m.Called(ctx, id)
	return conversationArg(args, 0), args.Error(1)
}

// FetchMessages mocks loading a thread.
func (m *DirectoryMock) FetchMessages(ctx context.Context, id int64) ([]domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Message), args.Error(1)
}

// CloseConversation mocks closing a conversation.
func (m *DirectoryMock) CloseConversation(ctx context.Context, id int64) (*domain.Conversation, error) {
	args := m.Called(ctx, id)
	return conversationArg(args, 0), args.Error(1)
}

// MarkConversationRead mocks moving the read marker.
func (m *DirectoryMock) MarkConversationRead(ctx context.Context, id int64) (*domain.Conversation, error) {
	args := m.Called(ctx, id)
	return conversationArg(args, 0), args.Error(1)
}

func conversationArg(args mock.Arguments, i int) *domain.Conversation {
	if args.Get(i) == nil {
		return nil
	}
	return args.Get(i).(*domain.Conversation)
}
