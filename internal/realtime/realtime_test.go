package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/apartner/apartner-talk/internal/api/dto"
	"github.com/apartner/apartner-talk/internal/auth"
	"github.com/apartner/apartner-talk/internal/domain"
	"github.com/apartner/apartner-talk/internal/events"
	"github.com/apartner/apartner-talk/internal/observability"
	"github.com/apartner/apartner-talk/internal/protocol"
	"github.com/apartner/apartner-talk/internal/repository"
	"github.com/apartner/apartner-talk/internal/service"
	"github.com/apartner/apartner-talk/internal/transport"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	resident = &domain.Principal{SubjectID: "resident-1", Subject: domain.SubjectTypeResident}
	staff    = &domain.Principal{SubjectID: "staff-1", Subject: domain.SubjectTypeStaff}
)

type stack struct {
	chat    *service.ChatService
	hub     *Hub
	gateway *Gateway
	tokens  *auth.TokenManager
	metrics *observability.Metrics
	url     string
}

func newStack(t *testing.T) *stack {
	t.Helper()
	store := repository.NewMemoryStore()
	dispatcher := events.NewInMemoryDispatcher(nil)
	metrics := observability.NewMetrics()
	hub := NewHub(nil, metrics)
	service.NewPushService(dispatcher, NewLocalBroker(hub), nil).RegisterHandlers()
	chat := service.NewChatService(service.ChatDependencies{
		ConversationRepo: store.Conversations(),
		MessageRepo:      store.Messages(),
		Dispatcher:       dispatcher,
	})
	tokens := auth.NewTokenManager("test-secret", 5)
	gateway := NewGateway(hub, auth.NewAuthMiddleware(tokens), chat, GatewayConfig{PingInterval: time.Second}, nil, metrics)
	srv := httptest.NewServer(gateway.Handler("/ws"))
	t.Cleanup(func() {
		gateway.Close()
		srv.Close()
	})
	return &stack{
		chat:    chat,
		hub:     hub,
		gateway: gateway,
		tokens:  tokens,
		metrics: metrics,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (s *stack) token(t *testing.T, p *domain.Principal) string {
	t.Helper()
	token, _, err := s.tokens.GenerateToken(p.SubjectID, p.Subject)
	require.NoError(t, err)
	return token
}

func (s *stack) client(t *testing.T, p *domain.Principal) *transport.WebSocket {
	t.Helper()
	tr := transport.New(transport.Config{URL: s.url, Token: s.token(t, p)}, nil)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect() })
	require.Eventually(t, func() bool { return s.hub.Connections(p.SubjectID) == 1 }, 2*time.Second, 10*time.Millisecond)
	return tr
}

func TestSendMessageIsAcknowledgedAndPushed(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	conv, err := s.chat.CreateConversation(ctx, resident, "A01")
	require.NoError(t, err)

	tr := s.client(t, resident)
	pushed := make(chan domain.Message, 4)
	sub := tr.OnMessage(conv.ID, func(m domain.Message) { pushed <- m })
	defer sub.Unsubscribe()

	msg, err := tr.SendMessage(ctx, transport.Outgoing{ConversationID: conv.ID, Body: "hello", ClientRef: "ref-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, "ref-1", msg.ClientRef)
	assert.Equal(t, domain.SenderRoleResident, msg.SenderRole)

	select {
	case m := <-pushed:
		assert.Equal(t, msg.ID, m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message.created push")
	}

	_, err = s.chat.PostMessage(ctx, staff, conv.ID, "reply", "")
	require.NoError(t, err)
	select {
	case m := <-pushed:
		assert.Equal(t, "reply", m.Body)
		assert.Equal(t, int64(2), m.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("no staff reply push")
	}
}

func TestClosedConversationPushAndRejectedSend(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	conv, err := s.chat.CreateConversation(ctx, resident, "A02")
	require.NoError(t, err)

	tr := s.client(t, resident)
	closed := make(chan domain.Conversation, 1)
	sub := tr.OnConversationClosed(func(c domain.Conversation) { closed <- c })
	defer sub.Unsubscribe()

	_, err = s.chat.CloseConversation(ctx, staff, conv.ID)
	require.NoError(t, err)
	select {
	case c := <-closed:
		assert.Equal(t, conv.ID, c.ID)
		assert.Equal(t, domain.ConversationStatusClosed, c.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no conversation.closed push")
	}

	_, err = tr.SendMessage(ctx, transport.Outgoing{ConversationID: conv.ID, Body: "still there?", ClientRef: "ref-2"})
	assert.True(t, apperrors.IsConversationClosed(err))
}

func TestForeignSendIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	other := &domain.Principal{SubjectID: "resident-2", Subject: domain.SubjectTypeResident}
	conv, err := s.chat.CreateConversation(ctx, other, "A01")
	require.NoError(t, err)

	tr := s.client(t, resident)
	_, err = tr.SendMessage(ctx, transport.Outgoing{ConversationID: conv.ID, Body: "hi", ClientRef: "x"})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUnauthorizedHandshake(t *testing.T) {
	s := newStack(t)
	tr := transport.New(transport.Config{URL: s.url, Token: "forged"}, nil)
	err := tr.Connect(context.Background())
	require.True(t, apperrors.IsUnauthorized(err))
	assert.Equal(t, transport.StatusUnauthorized, tr.Status())
	require.NoError(t, tr.Disconnect())
}

func TestStaffSeeNewConversations(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token(t, staff))
	conn, _, err := websocket.DefaultDialer.Dial(s.url, header)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.Connections(staff.SubjectID) == 1 }, 2*time.Second, 10*time.Millisecond)

	conv, err := s.chat.CreateConversation(ctx, resident, "A04")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame protocol.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, protocol.TypeEvent, frame.Type)
	assert.Equal(t, protocol.EventConversationCreated, frame.Event)

	var payload protocol.ConversationCreated
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, conv.ID, payload.ConversationID)
	assert.Equal(t, int64(1), s.metrics.Snapshot().Events[protocol.EventConversationCreated])
}

func TestHubSkipsOtherResidents(t *testing.T) {
	hub := NewHub(nil, nil)
	mine := newSession(resident, 4)
	theirs := newSession(&domain.Principal{SubjectID: "resident-2", Subject: domain.SubjectTypeResident}, 4)
	hub.register(mine)
	hub.register(theirs)

	hub.Deliver(events.Event{
		Type:           events.EventMessageCreated,
		ConversationID: 7,
		OwnerID:        resident.SubjectID,
		Payload:        events.MessageCreatedPayload{Message: dto.Message{ID: 1, ConversationID: 7, Body: "x"}},
	})
	assert.Len(t, mine.send, 1)
	assert.Len(t, theirs.send, 0)

	hub.unregister(mine)
	assert.Equal(t, 0, hub.Connections(resident.SubjectID))
}

func TestHubDisconnectsSlowSession(t *testing.T) {
	hub := NewHub(nil, nil)
	slow := newSession(resident, 1)
	hub.register(slow)
	event := events.Event{
		Type:           events.EventConversationClosed,
		ConversationID: 7,
		OwnerID:        resident.SubjectID,
		Payload:        events.ConversationClosedPayload{Conversation: dto.Conversation{ID: 7}},
	}
	hub.Deliver(event)
	hub.Deliver(event)

	select {
	case <-slow.done:
	default:
		t.Fatal("slow session left open")
	}
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	hub := NewHub(nil, nil)
	listener := newSession(resident, 4)
	hub.register(listener)
	broker := NewRedisBroker(client, "apartner-talk.test", hub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- broker.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	select {
	case <-broker.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("subscription not confirmed")
	}

	require.NoError(t, broker.Publish(ctx, events.Event{
		Type:           events.EventMessageCreated,
		ConversationID: 9,
		OwnerID:        resident.SubjectID,
		Payload:        events.MessageCreatedPayload{Message: dto.Message{ID: 3, ConversationID: 9, Body: "via redis"}},
	}))

	select {
	case frame := <-listener.send:
		assert.Equal(t, protocol.EventMessageCreated, frame.Event)
	case <-time.After(3 * time.Second):
		t.Fatal("event did not arrive through redis")
	}
}
