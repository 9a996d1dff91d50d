// Package directory is the resident-side REST client for conversation records.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/api/dto"
	"github.com/apartner/apartner-talk/internal/domain"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

const (
	conversationsPathSegment = "chat/conversations"
	maxErrorBody             = 64 * 1024
)

// Config configures the directory client.
type Config struct {
	BaseURL     string
	Token       string
	TokenSource func(ctx context.Context) (string, error)
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client talks to the chat REST API on behalf of one resident.
type Client struct {
	baseURL string
	http    *http.Client
	token   func(ctx context.Context) (string, error)
	logger  *zap.Logger
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

// New validates cfg and builds a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("directory base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid directory base URL: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	token := cfg.TokenSource
	if token == nil {
		static := cfg.Token
		token = func(context.Context) (string, error) { return static, nil }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: base,
		http:    httpClient,
		token:   token,
		logger:  logger.With(zap.String("component", "chat-directory")),
	}, nil
}

// CreateConversation opens a conversation in category code.
// When the resident already has an active conversation the error is a CONFLICT
// whose details carry active_conversation_id; see ActiveConversationID.
func (c *Client) CreateConversation(ctx context.Context, code string) (*domain.Conversation, error) {
	var out dto.Conversation
	err := c.do(ctx, http.MethodPost, nil, dto.CreateConversationRequest{CategoryCode: code}, &out)
	if err != nil {
		return nil, err
	}
	return out.ToDomain(), nil
}

// FetchActiveConversation returns the resident's active conversation or nil when none exists.
func (c *Client) FetchActiveConversation(ctx context.Context) (*domain.Conversation, error) {
	var out *dto.Conversation
	if err := c.do(ctx, http.MethodGet, []string{"active"}, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.ToDomain(), nil
}

// ListConversations returns every conversation of the resident, newest first.
func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var out []dto.Conversation
	if err := c.do(ctx, http.MethodGet, nil, nil, &out); err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(out))
	for _, conv := range out {
		items = append(items, *conv.ToDomain())
	}
	return items, nil
}

// FetchConversation loads one conversation owned by the resident.
func (c *Client) FetchConversation(ctx context.Context, id int64) (*domain.Conversation, error) {
	var out dto.Conversation
	if err := c.do(ctx, http.MethodGet, []string{idSegment(id)}, nil, &out); err != nil {
		return nil, err
	}
	return out.ToDomain(), nil
}

// FetchMessages returns the thread of a conversation in display order.
func (c *Client) FetchMessages(ctx context.Context, id int64) ([]domain.Message, error) {
	var out []dto.Message
	if err := c.do(ctx, http.MethodGet, []string{idSegment(id), "messages"}, nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(out))
	for _, m := range out {
		msgs = append(msgs, m.ToDomain())
	}
	domain.SortMessages(msgs)
	return msgs, nil
}

// CloseConversation closes an active conversation. Closing one that is already
// closed or not owned yields NOT_FOUND.
func (c *Client) CloseConversation(ctx context.Context, id int64) (*domain.Conversation, error) {
	var out dto.Conversation
	if err := c.do(ctx, http.MethodPost, []string{idSegment(id), "close"}, nil, &out); err != nil {
		return nil, err
	}
	return out.ToDomain(), nil
}

// MarkConversationRead moves the resident's read marker to the newest message.
func (c *Client) MarkConversationRead(ctx context.Context, id int64) (*domain.Conversation, error) {
	var out dto.Conversation
	if err := c.do(ctx, http.MethodPost, []string{idSegment(id), "read"}, nil, &out); err != nil {
		return nil, err
	}
	return out.ToDomain(), nil
}

func (c *Client) do(ctx context.Context, method string, segments []string, body any, out any) error {
	endpoint, err := url.JoinPath(c.baseURL, append([]string{conversationsPathSegment}, segments...)...)
	if err != nil {
		return apperrors.NewInternalError(fmt.Errorf("build request URL: %w", err))
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperrors.NewInternalError(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return apperrors.NewInternalError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.token(ctx)
	if err != nil {
		return apperrors.NewUnauthorized("no session token")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.NewUnavailable("request cancelled", ctx.Err())
		}
		c.logger.Warn("chat directory request failed",
			zap.String("method", method), zap.String("url", endpoint), zap.Error(err))
		return apperrors.NewUnreachable("chat service", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("chat directory request",
		zap.String("method", method),
		zap.String("url", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(started)))

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return apperrors.FromResponse(resp.StatusCode, raw)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return apperrors.NewUnavailable("malformed chat service response", err)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperrors.NewUnavailable("malformed chat service response", err)
	}
	return nil
}

// ActiveConversationID extracts the existing conversation ID from a CONFLICT error.
func ActiveConversationID(err error) (int64, bool) {
	if !apperrors.IsConflict(err) {
		return 0, false
	}
	de := apperrors.ToDomainError(err)
	raw, ok := de.Details["active_conversation_id"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func idSegment(id int64) string {
	return strconv.FormatInt(id, 10)
}
