package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/apartner/apartner-talk/internal/api/dto"
	"github.com/apartner/apartner-talk/internal/domain"
	"github.com/apartner/apartner-talk/internal/protocol"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeGateway is a minimal realtime endpoint for exercising the client.
type fakeGateway struct {
	token    string
	upgrader websocket.Upgrader
	reply    func(protocol.Frame) protocol.Frame

	writeMu   sync.Mutex
	connected chan *websocket.Conn
}

func newFakeGateway(token string) *fakeGateway {
	return &fakeGateway{token: token, connected: make(chan *websocket.Conn, 8)}
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+g.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	g.connected <- conn
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil || g.reply == nil {
			continue
		}
		g.send(conn, g.reply(frame))
	}
}

func (g *fakeGateway) send(conn *websocket.Conn, frame protocol.Frame) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = conn.WriteJSON(frame)
}

func (g *fakeGateway) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-g.connected:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("gateway saw no connection")
		return nil
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url, token string) Config {
	return Config{
		URL:           url,
		Token:         token,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
		AckTimeout:    time.Second,
	}
}

func ackWith(frame protocol.Frame) protocol.Frame {
	var params protocol.SendMessageParams
	_ = json.Unmarshal(frame.Payload, &params)
	resp, _ := protocol.Success(frame.ID, dto.Message{
		ID:             77,
		ConversationID: params.ConversationID,
		Seq:            1,
		SenderRole:     domain.SenderRoleResident,
		Body:           params.Body,
		ClientRef:      params.ClientRef,
		SentAt:         time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	})
	return resp
}

func TestSendMessageIsAcknowledged(t *testing.T) {
	gw := newFakeGateway("secret")
	gw.reply = ackWith
	srv := httptest.NewServer(gw)
	defer srv.Close()

	tr := New(testConfig(wsURL(srv), "secret"), nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	gw.waitConn(t)
	require.Equal(t, StatusConnected, tr.Status())

	msg, err := tr.SendMessage(context.Background(), Outgoing{ConversationID: 501, Body: "hello", ClientRef: "ref-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(77), msg.ID)
	assert.Equal(t, int64(501), msg.ConversationID)
	assert.Equal(t, "ref-1", msg.ClientRef)
}

func TestSendMessageFailsFastWhenDisconnected(t *testing.T) {
	tr := New(testConfig("ws://127.0.0.1:1", "secret"), nil)

	_, err := tr.SendMessage(context.Background(), Outgoing{ConversationID: 1, Body: "hi", ClientRef: "r"})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotConnected, apperrors.CodeOf(err))

	_, err = tr.SendMessage(context.Background(), Outgoing{ConversationID: 1, Body: "   "})
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestSendMessageRejected(t *testing.T) {
	gw := newFakeGateway("secret")
	gw.reply = func(f protocol.Frame) protocol.Frame {
		return protocol.Failure(f.ID, apperrors.CodeConversationClosed, "conversation is closed")
	}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	tr := New(testConfig(wsURL(srv), "secret"), nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	gw.waitConn(t)

	_, err := tr.SendMessage(context.Background(), Outgoing{ConversationID: 9, Body: "late", ClientRef: "r"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConversationClosed(err))
}

func TestPushesReachSubscribersInOrder(t *testing.T) {
	gw := newFakeGateway("secret")
	srv := httptest.NewServer(gw)
	defer srv.Close()

	tr := New(testConfig(wsURL(srv), "secret"), nil)

	var mu sync.Mutex
	var scoped, all []int64
	var closed []int64
	got := make(chan struct{}, 16)

	tr.OnMessage(501, func(m domain.Message) {
		mu.Lock()
		scoped = append(scoped, m.Seq)
		mu.Unlock()
	})
	tr.OnAnyMessage(func(m domain.Message) {
		mu.Lock()
		all = append(all, m.ConversationID)
		mu.Unlock()
		got <- struct{}{}
	})
	tr.OnConversationClosed(func(c domain.Conversation) {
		mu.Lock()
		closed = append(closed, c.ID)
		mu.Unlock()
		got <- struct{}{}
	})

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	conn := gw.waitConn(t)

	push := func(convID, seq int64) {
		frame, err := protocol.NewEvent(protocol.EventMessageCreated, protocol.MessageCreated{
			ConversationID: convID,
			Message:        dto.Message{ID: seq * 10, ConversationID: convID, Seq: seq, Body: "m"},
		})
		require.NoError(t, err)
		gw.send(conn, frame)
	}
	push(501, 1)
	push(502, 1)
	push(501, 2)
	closeFrame, err := protocol.NewEvent(protocol.EventConversationClosed, protocol.ConversationClosed{
		ConversationID: 501,
		Conversation:   dto.Conversation{ID: 501, Status: domain.ConversationStatusClosed},
	})
	require.NoError(t, err)
	gw.send(conn, closeFrame)

	for i := 0; i < 4; i++ {
		select {
		case <-got:
		case <-time.After(3 * time.Second):
			t.Fatal("push not delivered")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2}, scoped)
	assert.Equal(t, []int64{501, 502, 501}, all)
	assert.Equal(t, []int64{501}, closed)
}

func TestUnauthorizedHandshakeStopsRetrying(t *testing.T) {
	gw := newFakeGateway("secret")
	srv := httptest.NewServer(gw)
	defer srv.Close()

	tr := New(testConfig(wsURL(srv), "wrong"), nil)
	statuses := make(chan Status, 8)
	tr.OnStatusChange(func(c StatusChange) { statuses <- c.Status })

	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsUnauthorized(err))
	assert.Equal(t, StatusUnauthorized, tr.Status())
	assert.Equal(t, StatusConnecting, <-statuses)
	assert.Equal(t, StatusUnauthorized, <-statuses)
	require.NoError(t, tr.Disconnect())
}

func TestReconnectsAfterConnectionLoss(t *testing.T) {
	gw := newFakeGateway("secret")
	srv := httptest.NewServer(gw)
	defer srv.Close()

	tr := New(testConfig(wsURL(srv), "secret"), nil)
	resumed := make(chan struct{}, 1)
	tr.OnStatusChange(func(c StatusChange) {
		if c.Status == StatusConnected && c.Resumed {
			resumed <- struct{}{}
		}
	})

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	first := gw.waitConn(t)
	require.NoError(t, first.Close())

	gw.waitConn(t)
	select {
	case <-resumed:
	case <-time.After(3 * time.Second):
		t.Fatal("transport did not report a resumed connection")
	}
	assert.Equal(t, StatusConnected, tr.Status())
}

func TestPendingSendFailsWhenConnectionDrops(t *testing.T) {
	gw := newFakeGateway("secret")
	gw.reply = nil
	srv := httptest.NewServer(gw)
	defer srv.Close()

	tr := New(testConfig(wsURL(srv), "secret"), nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	conn := gw.waitConn(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.SendMessage(context.Background(), Outgoing{ConversationID: 1, Body: "hi", ClientRef: "r"})
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-errCh:
		assert.Equal(t, apperrors.CodeDeliveryFailed, apperrors.CodeOf(err))
		assert.True(t, apperrors.Retryable(err))
	case <-time.After(3 * time.Second):
		t.Fatal("pending send was not failed")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	tr := New(testConfig("ws://unused", "x"), nil)
	calls := 0
	sub := tr.OnAnyMessage(func(domain.Message) { calls++ })

	tr.subs.dispatchMessage(domain.Message{ConversationID: 1})
	sub.Unsubscribe()
	sub.Unsubscribe()
	tr.subs.dispatchMessage(domain.Message{ConversationID: 1})

	assert.Equal(t, 1, calls)
	var nilSub *Subscription
	nilSub.Unsubscribe()
}

func TestDisconnectIsSafeToRepeat(t *testing.T) {
	tr := New(testConfig("ws://unused", "x"), nil)
	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Disconnect())
	assert.Equal(t, StatusIdle, tr.Status())
}
