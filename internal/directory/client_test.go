package directory

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apartner/apartner-talk/internal/domain"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	resp := &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
	resp.Header.Set("Content-Type", "application/json")
	return resp
}

func newTestClient(t *testing.T, fn roundTripFunc) *Client {
	t.Helper()
	client, err := New(Config{
		BaseURL:    "https://talk.example.com/api",
		Token:      "tok",
		HTTPClient: &http.Client{Transport: fn},
	}, nil)
	require.NoError(t, err)
	return client
}

func TestCreateConversation(t *testing.T) {
	require := require.New(t)

	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		require.Equal(http.MethodPost, req.Method)
		require.Equal("/api/chat/conversations", req.URL.Path)
		require.Equal("Bearer tok", req.Header.Get("Authorization"))
		payload, err := io.ReadAll(req.Body)
		require.NoError(err)
		require.JSONEq(`{"category_code":"A03"}`, string(payload))
		return jsonResponse(http.StatusCreated, `{"data":{"id":7,"category_code":"A03","title":"수리/정비 #1","status":"ACTIVE","created_at":"2024-05-01T09:00:00Z"}}`), nil
	})

	conv, err := client.CreateConversation(context.Background(), "A03")
	require.NoError(err)
	require.Equal(int64(7), conv.ID)
	require.Equal("A03", conv.CategoryCode)
	require.True(conv.IsActive())
}

func TestCreateConversationConflict(t *testing.T) {
	require := require.New(t)

	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusConflict, `{"error":{"code":"CONFLICT","message":"an active conversation already exists","details":{"active_conversation_id":501}}}`), nil
	})

	_, err := client.CreateConversation(context.Background(), "A01")
	require.Error(err)
	require.True(apperrors.IsConflict(err))
	id, ok := ActiveConversationID(err)
	require.True(ok)
	require.Equal(int64(501), id)
}

func TestFetchActiveConversationNone(t *testing.T) {
	require := require.New(t)

	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		require.Equal("/api/chat/conversations/active", req.URL.Path)
		return jsonResponse(http.StatusOK, `{"data":null}`), nil
	})

	conv, err := client.FetchActiveConversation(context.Background())
	require.NoError(err)
	require.Nil(conv)
}

func TestFetchMessagesSortsThread(t *testing.T) {
	require := require.New(t)

	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		require.Equal("/api/chat/conversations/9/messages", req.URL.Path)
		return jsonResponse(http.StatusOK, `{"data":[
			{"id":3,"conversation_id":9,"seq":2,"sender_role":"STAFF","body":"b","sent_at":"2024-05-01T09:00:00Z"},
			{"id":2,"conversation_id":9,"seq":1,"sender_role":"RESIDENT","body":"a","sent_at":"2024-05-01T09:00:00Z"},
			{"id":4,"conversation_id":9,"seq":3,"sender_role":"STAFF","body":"c","sent_at":"2024-05-01T09:01:00Z"}
		]}`), nil
	})

	msgs, err := client.FetchMessages(context.Background(), 9)
	require.NoError(err)
	require.Len(msgs, 3)
	require.Equal([]int64{1, 2, 3}, []int64{msgs[0].Seq, msgs[1].Seq, msgs[2].Seq})
	require.Equal(domain.SenderRoleResident, msgs[0].SenderRole)
}

func TestMarkConversationRead(t *testing.T) {
	require := require.New(t)

	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		require.Equal(http.MethodPost, req.Method)
		require.Equal("/api/chat/conversations/9/read", req.URL.Path)
		return jsonResponse(http.StatusOK, `{"data":{"id":9,"status":"ACTIVE","staff_seq":4,"read_seq":4,"has_unread":false,"created_at":"2024-05-01T09:00:00Z"}}`), nil
	})

	conv, err := client.MarkConversationRead(context.Background(), 9)
	require.NoError(err)
	require.Equal(int64(4), conv.ReadSeq)
	require.False(conv.HasUnread())
}

func TestCloseConversationNotFound(t *testing.T) {
	require := require.New(t)

	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		require.Equal("/api/chat/conversations/9/close", req.URL.Path)
		return jsonResponse(http.StatusNotFound, `{"error":{"code":"NOT_FOUND","message":"conversation not found"}}`), nil
	})

	_, err := client.CloseConversation(context.Background(), 9)
	require.True(apperrors.IsNotFound(err))
}

func TestNetworkFailureIsRetryable(t *testing.T) {
	require := require.New(t)

	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return nil, syscall.ECONNREFUSED
	})

	_, err := client.ListConversations(context.Background())
	require.Error(err)
	require.Equal(apperrors.CodeUnavailable, apperrors.CodeOf(err))
	require.True(apperrors.Retryable(err))
	require.True(errors.Is(err, syscall.ECONNREFUSED))
}

func TestCancelledRequestCarriesCode(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		cancel()
		return nil, req.Context().Err()
	})

	_, err := client.FetchActiveConversation(ctx)
	require.Error(err)
	var de *apperrors.DomainError
	require.ErrorAs(err, &de)
	require.Equal(apperrors.CodeUnavailable, de.Code)
	require.ErrorIs(err, context.Canceled)
}

func TestUnexpectedStatusWithoutEnvelope(t *testing.T) {
	require := require.New(t)

	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusBadGateway, `upstream down`), nil
	})

	_, err := client.FetchConversation(context.Background(), 1)
	require.Equal(apperrors.CodeUnavailable, apperrors.CodeOf(err))
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}
