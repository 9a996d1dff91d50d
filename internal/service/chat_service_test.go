package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/apartner/apartner-talk/internal/domain"
	"github.com/apartner/apartner-talk/internal/events"
	"github.com/apartner/apartner-talk/internal/mocks"
	"github.com/apartner/apartner-talk/internal/repository"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

var (
	resident = &domain.Principal{SubjectID: "resident-1", Subject: domain.SubjectTypeResident}
	neighbor = &domain.Principal{SubjectID: "resident-2", Subject: domain.SubjectTypeResident}
	staff    = &domain.Principal{SubjectID: "staff-1", Subject: domain.SubjectTypeStaff}
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) record(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestService(t *testing.T) (*ChatService, *recorder) {
	t.Helper()
	store := repository.NewMemoryStore()
	dispatcher := events.NewInMemoryDispatcher(nil)
	rec := &recorder{}
	for _, et := range []events.EventType{events.EventConversationCreated, events.EventMessageCreated, events.EventConversationClosed} {
		dispatcher.Subscribe(et, rec.record)
	}
	svc := NewChatService(ChatDependencies{
		ConversationRepo: store.Conversations(),
		MessageRepo:      store.Messages(),
		Dispatcher:       dispatcher,
	})
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	var mu sync.Mutex
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return svc, rec
}

func TestCreateConversationTitlesByCategory(t *testing.T) {
	ctx := context.Background()
	svc, rec := newTestService(t)

	conv, err := svc.CreateConversation(ctx, resident, "A03")
	require.NoError(t, err)
	assert.Equal(t, "수리/정비 #1", conv.Title)
	assert.Equal(t, domain.ConversationStatusActive, conv.Status)

	_, err = svc.CloseConversation(ctx, resident, conv.ID)
	require.NoError(t, err)

	again, err := svc.CreateConversation(ctx, resident, "a03")
	require.NoError(t, err)
	assert.Equal(t, "수리/정비 #2", again.Title)
	assert.Equal(t, "A03", again.CategoryCode)

	assert.Equal(t, []events.EventType{
		events.EventConversationCreated,
		events.EventConversationClosed,
		events.EventConversationCreated,
	}, rec.types())
}

func TestCreateConversationConflictNamesActive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	existing, err := svc.CreateConversation(ctx, resident, "A03")
	require.NoError(t, err)

	_, err = svc.CreateConversation(ctx, resident, "A01")
	require.True(t, apperrors.IsConflict(err))
	assert.Equal(t, existing.ID, apperrors.ToDomainError(err).Details["active_conversation_id"])
}

func TestCreateConversationValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.CreateConversation(ctx, resident, "B99")
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	_, err = svc.CreateConversation(ctx, staff, "A01")
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))
}

func TestConcurrentCreateKeepsSingleActive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	var (
		mu        sync.Mutex
		created   int
		conflicts int
	)
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := svc.CreateConversation(ctx, resident, "A01")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case apperrors.IsConflict(err):
				conflicts++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, created)
	assert.Equal(t, 9, conflicts)
}

func TestActiveConversationNilWhenNone(t *testing.T) {
	svc, _ := newTestService(t)
	conv, err := svc.ActiveConversation(context.Background(), resident)
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestForeignConversationIsNotFound(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	conv, err := svc.CreateConversation(ctx, resident, "A02")
	require.NoError(t, err)

	_, err = svc.GetConversation(ctx, neighbor, conv.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = svc.CloseConversation(ctx, neighbor, conv.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = svc.PostMessage(ctx, neighbor, conv.ID, "hi", "")
	assert.True(t, apperrors.IsNotFound(err))

	got, err := svc.GetConversation(ctx, staff, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
}

func TestCloseTwiceIsNotFound(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	conv, err := svc.CreateConversation(ctx, resident, "A04")
	require.NoError(t, err)

	closed, err := svc.CloseConversation(ctx, staff, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationStatusClosed, closed.Status)

	_, err = svc.CloseConversation(ctx, resident, conv.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestPostMessageOrderingAndRoles(t *testing.T) {
	ctx := context.Background()
	svc, rec := newTestService(t)
	conv, err := svc.CreateConversation(ctx, resident, "A01")
	require.NoError(t, err)

	_, err = svc.PostMessage(ctx, resident, conv.ID, "  the door is broken ", "r-1")
	require.NoError(t, err)
	_, err = svc.PostMessage(ctx, staff, conv.ID, "on our way", "")
	require.NoError(t, err)

	msgs, err := svc.ListMessages(ctx, resident, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "the door is broken", msgs[0].Body)
	assert.Equal(t, domain.SenderRoleResident, msgs[0].SenderRole)
	assert.Equal(t, domain.SenderRoleStaff, msgs[1].SenderRole)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, int64(2), msgs[1].Seq)

	got, err := svc.GetConversation(ctx, resident, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "on our way", got.LastMessage)

	assert.Equal(t, []events.EventType{
		events.EventConversationCreated,
		events.EventMessageCreated,
		events.EventMessageCreated,
	}, rec.types())
}

func TestPostMessageKeepsTimeOrderWithSeq(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	conv, err := svc.CreateConversation(ctx, resident, "A01")
	require.NoError(t, err)

	// The second sender read the clock first but committed second.
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var clock time.Time
	svc.now = func() time.Time { return clock }

	clock = base.Add(4 * time.Second)
	_, err = svc.PostMessage(ctx, staff, conv.ID, "first", "")
	require.NoError(t, err)
	clock = base.Add(3 * time.Second)
	second, err := svc.PostMessage(ctx, resident, conv.ID, "second", "")
	require.NoError(t, err)
	assert.Equal(t, base.Add(4*time.Second), second.SentAt)

	msgs, err := svc.ListMessages(ctx, resident, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []int64{1, 2}, []int64{msgs[0].Seq, msgs[1].Seq})
	assert.Equal(t, "first", msgs[0].Body)

	got, err := svc.GetConversation(ctx, resident, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.LastMessage)
}

func TestMarkReadClearsUnread(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	conv, err := svc.CreateConversation(ctx, resident, "A03")
	require.NoError(t, err)
	_, err = svc.PostMessage(ctx, staff, conv.ID, "we will visit at 3pm", "")
	require.NoError(t, err)

	active, err := svc.ActiveConversation(ctx, resident)
	require.NoError(t, err)
	assert.True(t, active.HasUnread())

	read, err := svc.MarkRead(ctx, resident, conv.ID)
	require.NoError(t, err)
	assert.False(t, read.HasUnread())

	active, err = svc.ActiveConversation(ctx, resident)
	require.NoError(t, err)
	assert.False(t, active.HasUnread())

	_, err = svc.MarkRead(ctx, neighbor, conv.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = svc.MarkRead(ctx, staff, conv.ID)
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))

	_, err = svc.CloseConversation(ctx, staff, conv.ID)
	require.NoError(t, err)
	_, err = svc.MarkRead(ctx, resident, conv.ID)
	assert.NoError(t, err)
}

func TestPostMessageRetryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, rec := newTestService(t)
	conv, err := svc.CreateConversation(ctx, resident, "A01")
	require.NoError(t, err)

	first, err := svc.PostMessage(ctx, resident, conv.ID, "hello", "ref-1")
	require.NoError(t, err)
	second, err := svc.PostMessage(ctx, resident, conv.ID, "hello", "ref-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, rec.types(), 2)
}

func TestPostMessageToClosedConversation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	conv, err := svc.CreateConversation(ctx, resident, "A01")
	require.NoError(t, err)
	_, err = svc.CloseConversation(ctx, staff, conv.ID)
	require.NoError(t, err)

	_, err = svc.PostMessage(ctx, resident, conv.ID, "anyone?", "")
	assert.True(t, apperrors.IsConversationClosed(err))
}

func TestPostMessageValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	conv, err := svc.CreateConversation(ctx, resident, "A01")
	require.NoError(t, err)

	_, err = svc.PostMessage(ctx, resident, conv.ID, "   ", "")
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
	_, err = svc.PostMessage(ctx, resident, conv.ID, strings.Repeat("가", MaxMessageLength+1), "")
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestListStaffConversations(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	a, err := svc.CreateConversation(ctx, resident, "A01")
	require.NoError(t, err)
	_, err = svc.CreateConversation(ctx, neighbor, "A02")
	require.NoError(t, err)
	_, err = svc.CloseConversation(ctx, staff, a.ID)
	require.NoError(t, err)

	_, err = svc.ListStaffConversations(ctx, resident, StaffConversationFilter{})
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))

	all, err := svc.ListStaffConversations(ctx, staff, StaffConversationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := svc.ListStaffConversations(ctx, staff, StaffConversationFilter{
		Statuses: []domain.ConversationStatus{domain.ConversationStatusActive},
	})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "resident-2", active[0].UserID)
}

func TestPushServiceRelaysEvents(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	dispatcher := events.NewInMemoryDispatcher(nil)
	publisher := &mocks.PublisherMock{}
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
		return e.OwnerID == "resident-1"
	})).Return(nil)

	NewPushService(dispatcher, publisher, nil).RegisterHandlers()
	svc := NewChatService(ChatDependencies{
		ConversationRepo: store.Conversations(),
		MessageRepo:      store.Messages(),
		Dispatcher:       dispatcher,
	})

	conv, err := svc.CreateConversation(ctx, resident, "A01")
	require.NoError(t, err)
	_, err = svc.PostMessage(ctx, staff, conv.ID, "hello", "")
	require.NoError(t, err)
	_, err = svc.CloseConversation(ctx, staff, conv.ID)
	require.NoError(t, err)

	publisher.AssertNumberOfCalls(t, "Publish", 3)
	publisher.AssertExpectations(t)
}
