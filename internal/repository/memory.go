package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apartner/apartner-talk/internal/domain"
)

// MemoryStore keeps conversations and messages in process. It backs the
// server when no database is configured and is used by service tests.
type MemoryStore struct {
	mu        sync.Mutex
	nextConv  int64
	nextMsg   int64
	convs     map[int64]*domain.Conversation
	order     []int64
	messages  map[int64][]domain.Message
	lastSeq   map[int64]int64
	clientRef map[int64]map[string]int
	now       func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextConv:  1,
		nextMsg:   1,
		convs:     make(map[int64]*domain.Conversation),
		messages:  make(map[int64][]domain.Message),
		lastSeq:   make(map[int64]int64),
		clientRef: make(map[int64]map[string]int),
		now:       time.Now,
	}
}

// Conversations exposes the store as a ConversationRepository.
func (s *MemoryStore) Conversations() ConversationRepository {
	return memoryConversations{s}
}

// Messages exposes the store as a MessageRepository.
func (s *MemoryStore) Messages() MessageRepository {
	return memoryMessages{s}
}

type memoryConversations struct{ s *MemoryStore }

func (r memoryConversations) Create(ctx context.Context, conv *domain.Conversation) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.Status == domain.ConversationStatusActive {
		for _, c := range s.convs {
			if c.UserID == conv.UserID && c.IsActive() {
				return ErrActiveConversationExists
			}
		}
	}
	conv.ID = s.nextConv
	s.nextConv++
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now()
	}
	s.convs[conv.ID] = conv.Clone()
	s.order = append(s.order, conv.ID)
	return nil
}

func (r memoryConversations) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

func (r memoryConversations) GetActiveByUser(ctx context.Context, userID string) (*domain.Conversation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if c := s.convs[id]; c.UserID == userID && c.IsActive() {
			return c.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r memoryConversations) ListByUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	return r.ListWithFilter(ctx, ConversationFilter{UserID: &userID, Limit: -1})
}

func (r memoryConversations) ListWithFilter(ctx context.Context, filter ConversationFilter) ([]domain.Conversation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []domain.Conversation{}
	for i := len(s.order) - 1; i >= 0; i-- {
		c := s.convs[s.order[i]]
		if filter.UserID != nil && c.UserID != *filter.UserID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, c.Status) {
			continue
		}
		result = append(result, *c.Clone())
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit < 0 {
		return result, nil
	}
	limit, offset := pageBounds(filter.Limit, filter.Offset)
	if offset >= len(result) {
		return []domain.Conversation{}, nil
	}
	end := offset + limit
	if end > len(result) {
		end = len(result)
	}
	return result[offset:end], nil
}

func (r memoryConversations) CountByUserCategory(ctx context.Context, userID, categoryCode string) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.convs {
		if c.UserID == userID && c.CategoryCode == categoryCode {
			n++
		}
	}
	return n, nil
}

func (r memoryConversations) Close(ctx context.Context, id int64, closedAt time.Time) (*domain.Conversation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok || !conv.IsActive() {
		return nil, ErrNotFound
	}
	conv.Status = domain.ConversationStatusClosed
	at := closedAt
	conv.ClosedAt = &at
	return conv.Clone(), nil
}

func (r memoryConversations) MarkRead(ctx context.Context, id int64) (*domain.Conversation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	conv.MarkRead(s.lastSeq[id])
	return conv.Clone(), nil
}

type memoryMessages struct{ s *MemoryStore }

func (r memoryMessages) Append(ctx context.Context, msg *domain.Message) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		return false, ErrNotFound
	}
	if msg.ClientRef != "" {
		if idx, seen := s.clientRef[conv.ID][msg.ClientRef]; seen {
			*msg = s.messages[conv.ID][idx]
			return false, nil
		}
	}
	if !conv.IsActive() {
		return false, ErrConversationClosed
	}

	s.lastSeq[conv.ID]++
	msg.Seq = s.lastSeq[conv.ID]
	msg.ID = s.nextMsg
	s.nextMsg++
	if msg.SentAt.IsZero() {
		msg.SentAt = s.now()
	}
	if last := conv.LastMessageAt; last != nil && msg.SentAt.Before(*last) {
		msg.SentAt = *last
	}
	s.messages[conv.ID] = append(s.messages[conv.ID], *msg)
	if msg.ClientRef != "" {
		if s.clientRef[conv.ID] == nil {
			s.clientRef[conv.ID] = make(map[string]int)
		}
		s.clientRef[conv.ID][msg.ClientRef] = len(s.messages[conv.ID]) - 1
	}
	conv.ApplyMessage(*msg)
	return true, nil
}

func (r memoryMessages) ListByConversation(ctx context.Context, conversationID int64) ([]domain.Message, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages[conversationID]))
	copy(out, s.messages[conversationID])
	domain.SortMessages(out)
	return out, nil
}

func containsStatus(statuses []domain.ConversationStatus, status domain.ConversationStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
