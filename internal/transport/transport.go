// Package transport keeps the resident's realtime connection to the chat gateway.
//
// The connection is re-established in the background after any loss until
// Disconnect is called. Subscriptions outlive individual connections.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/api/dto"
	"github.com/apartner/apartner-talk/internal/domain"
	"github.com/apartner/apartner-talk/internal/protocol"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

// Status describes the connection lifecycle.
type Status string

const (
	StatusIdle         Status = "IDLE"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusUnauthorized Status = "UNAUTHORIZED"
	StatusClosed       Status = "CLOSED"
)

// StatusChange is delivered to status handlers.
// Resumed is set on a CONNECTED change that follows an earlier connection.
type StatusChange struct {
	Status  Status
	Resumed bool
	Err     error
}

// Outgoing is a message the resident sends.
type Outgoing struct {
	ConversationID int64
	Body           string
	ClientRef      string
}

// Config holds transport settings.
type Config struct {
	URL              string
	Token            string
	TokenSource      func(ctx context.Context) (string, error)
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	Jitter           float64
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		ReconnectBase:    500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		Jitter:           0.2,
		HandshakeTimeout: 10 * time.Second,
		AckTimeout:       10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     25 * time.Second,
	}
}

// WebSocket is the gorilla-backed transport.
type WebSocket struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer
	subs   registry

	mu            sync.Mutex
	conn          *websocket.Conn
	status        Status
	running       bool
	everConnected bool
	stopCh        chan struct{}
	done          chan struct{}
	pending       map[string]chan protocol.Frame

	writeMu sync.Mutex
}

// New builds a transport. Call Connect to start it.
func New(cfg Config, logger *zap.Logger) *WebSocket {
	def := DefaultConfig()
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocket{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "chat-transport")),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		status:  StatusIdle,
		pending: make(map[string]chan protocol.Frame),
	}
}

// Status returns the current connection status.
func (t *WebSocket) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// OnMessage subscribes to messages of one conversation.
func (t *WebSocket) OnMessage(conversationID int64, fn MessageHandler) *Subscription {
	return t.subs.addMessage(conversationID, fn)
}

// OnAnyMessage subscribes to every inbound message.
func (t *WebSocket) OnAnyMessage(fn MessageHandler) *Subscription {
	return t.subs.addMessage(anyConversation, fn)
}

// OnConversationClosed subscribes to server-side conversation closures.
func (t *WebSocket) OnConversationClosed(fn ClosedHandler) *Subscription {
	return t.subs.addClosed(fn)
}

// OnStatusChange subscribes to connection status changes.
func (t *WebSocket) OnStatusChange(fn StatusHandler) *Subscription {
	return t.subs.addStatus(fn)
}

// Connect dials the gateway. It returns nil when already running.
// A failed first dial is returned to the caller while reconnection continues in
// the background, except for an unauthorized handshake which stops the transport.
func (t *WebSocket) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stopCh, t.done
	t.mu.Unlock()

	t.setStatus(StatusChange{Status: StatusConnecting})
	t.logger.Info("connecting to chat gateway", zap.String("url", t.cfg.URL))

	conn, err := t.dial(ctx)
	if err != nil {
		if apperrors.IsUnauthorized(err) {
			t.stopUnauthorized(done, err)
			return err
		}
		t.logger.Warn("chat gateway dial failed", zap.Error(err))
		t.setStatus(StatusChange{Status: StatusDisconnected, Err: err})
		go t.supervise(stop, done, nil)
		return err
	}
	if !t.attach(conn, stop) {
		close(done)
		return nil
	}
	go t.supervise(stop, done, conn)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (t *WebSocket) Disconnect() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	conn := t.conn
	done := t.done
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	<-done

	t.setStatus(StatusChange{Status: StatusClosed})
	t.logger.Info("chat transport disconnected")
	return nil
}

// SendMessage sends a message and waits for the server acknowledgement.
func (t *WebSocket) SendMessage(ctx context.Context, out Outgoing) (*domain.Message, error) {
	if strings.TrimSpace(out.Body) == "" {
		return nil, apperrors.NewValidationError("message body must not be empty", nil)
	}

	t.mu.Lock()
	conn := t.conn
	if conn == nil || t.status != StatusConnected {
		t.mu.Unlock()
		return nil, apperrors.NewNotConnected()
	}
	reqID := uuid.NewString()
	respCh := make(chan protocol.Frame, 1)
	t.pending[reqID] = respCh
	t.mu.Unlock()

	frame, err := protocol.NewRequest(reqID, protocol.MethodSendMessage, protocol.SendMessageParams{
		ConversationID: out.ConversationID,
		Body:           out.Body,
		ClientRef:      out.ClientRef,
	})
	if err != nil {
		t.forget(reqID)
		return nil, apperrors.NewInternalError(err)
	}
	if err := t.write(conn, frame); err != nil {
		t.forget(reqID)
		return nil, apperrors.NewDeliveryFailed("sending message failed", err)
	}

	timer := time.NewTimer(t.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if !resp.Succeeded() {
			return nil, errorFromFrame(resp)
		}
		var ack dto.Message
		if err := json.Unmarshal(resp.Payload, &ack); err != nil {
			return nil, apperrors.NewDeliveryFailed("malformed acknowledgement", err)
		}
		msg := ack.ToDomain()
		return &msg, nil
	case <-timer.C:
		t.forget(reqID)
		return nil, apperrors.NewDeliveryFailed("acknowledgement timed out", nil)
	case <-ctx.Done():
		t.forget(reqID)
		return nil, apperrors.NewDeliveryFailed("send cancelled", ctx.Err())
	}
}

func (t *WebSocket) token(ctx context.Context) (string, error) {
	if t.cfg.TokenSource != nil {
		return t.cfg.TokenSource(ctx)
	}
	return t.cfg.Token, nil
}

func (t *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := t.token(ctx)
	if err != nil {
		return nil, apperrors.NewUnauthorized("no session token")
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperrors.NewUnauthorized("realtime handshake rejected")
		}
		return nil, apperrors.NewUnreachable("realtime gateway", err)
	}
	return conn, nil
}

// attach publishes conn unless Disconnect already ran.
func (t *WebSocket) attach(conn *websocket.Conn, stop <-chan struct{}) bool {
	t.mu.Lock()
	select {
	case <-stop:
		t.mu.Unlock()
		_ = conn.Close()
		return false
	default:
	}
	t.conn = conn
	resumed := t.everConnected
	t.everConnected = true
	t.mu.Unlock()

	t.setStatus(StatusChange{Status: StatusConnected, Resumed: resumed})
	t.logger.Info("connected to chat gateway", zap.Bool("resumed", resumed))
	return true
}

// detach drops conn and fails every request still waiting for an acknowledgement.
func (t *WebSocket) detach(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	for id, ch := range t.pending {
		ch <- protocol.Failure(id, apperrors.CodeDeliveryFailed, "connection lost")
		delete(t.pending, id)
	}
	t.mu.Unlock()
	_ = conn.Close()
}

func (t *WebSocket) stopUnauthorized(done chan struct{}, err error) {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	close(done)
	t.logger.Warn("chat gateway rejected credentials", zap.Error(err))
	t.setStatus(StatusChange{Status: StatusUnauthorized, Err: err})
}

func (t *WebSocket) supervise(stop <-chan struct{}, done chan struct{}, conn *websocket.Conn) {
	delays := newReconnectBackOff(t.cfg.ReconnectBase, t.cfg.ReconnectMax, t.cfg.Jitter)
	attempt := 0
	for {
		if conn != nil {
			delays.Reset()
			attempt = 0
			err := t.readLoop(conn)
			t.detach(conn)
			conn = nil
			select {
			case <-stop:
				close(done)
				return
			default:
			}
			t.logger.Warn("chat gateway connection lost", zap.Error(err))
			t.setStatus(StatusChange{Status: StatusDisconnected, Err: apperrors.NewUnreachable("realtime gateway", err)})
		}

		delay := delays.NextBackOff()
		attempt++
		t.logger.Debug("reconnecting to chat gateway",
			zap.Duration("delay", delay), zap.Int("attempt", attempt))
		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			close(done)
			return
		case <-timer.C:
		}

		t.setStatus(StatusChange{Status: StatusConnecting})
		ctx, cancel := stopContext(stop)
		c, err := t.dial(ctx)
		cancel()
		if err != nil {
			if apperrors.IsUnauthorized(err) {
				t.stopUnauthorized(done, err)
				return
			}
			t.setStatus(StatusChange{Status: StatusDisconnected, Err: err})
			continue
		}
		if !t.attach(c, stop) {
			close(done)
			return
		}
		conn = c
	}
}

func (t *WebSocket) readLoop(conn *websocket.Conn) error {
	quit := make(chan struct{})
	defer close(quit)

	if t.cfg.PingInterval > 0 {
		wait := 2 * t.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
		go t.keepalive(conn, quit)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if t.cfg.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * t.cfg.PingInterval))
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.logger.Warn("malformed frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case protocol.TypeResponse:
			t.mu.Lock()
			ch, ok := t.pending[frame.ID]
			if ok {
				delete(t.pending, frame.ID)
			}
			t.mu.Unlock()
			if ok {
				ch <- frame
			}
		case protocol.TypeEvent:
			t.handleEvent(frame)
		default:
			t.logger.Debug("ignoring frame", zap.String("type", frame.Type))
		}
	}
}

func (t *WebSocket) handleEvent(frame protocol.Frame) {
	switch frame.Event {
	case protocol.EventMessageCreated:
		var payload protocol.MessageCreated
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			t.logger.Warn("malformed message event", zap.Error(err))
			return
		}
		msg := payload.Message.ToDomain()
		if msg.ConversationID == 0 {
			msg.ConversationID = payload.ConversationID
		}
		t.subs.dispatchMessage(msg)
	case protocol.EventConversationClosed:
		var payload protocol.ConversationClosed
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			t.logger.Warn("malformed close event", zap.Error(err))
			return
		}
		conv := payload.Conversation.ToDomain()
		if conv.ID == 0 {
			conv.ID = payload.ConversationID
		}
		conv.Status = domain.ConversationStatusClosed
		t.subs.dispatchClosed(*conv)
	default:
		t.logger.Debug("ignoring event", zap.String("event", frame.Event))
	}
}

func (t *WebSocket) keepalive(conn *websocket.Conn, quit <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (t *WebSocket) write(conn *websocket.Conn, frame protocol.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return conn.WriteJSON(frame)
}

func (t *WebSocket) forget(reqID string) {
	t.mu.Lock()
	delete(t.pending, reqID)
	t.mu.Unlock()
}

func (t *WebSocket) setStatus(change StatusChange) {
	t.mu.Lock()
	if t.status == change.Status && change.Err == nil && !change.Resumed {
		t.mu.Unlock()
		return
	}
	t.status = change.Status
	t.mu.Unlock()
	t.subs.dispatchStatus(change)
}

// errorFromFrame maps a negative acknowledgement to a DomainError.
func errorFromFrame(frame protocol.Frame) error {
	if frame.Error == nil {
		return apperrors.NewDeliveryFailed("message rejected", nil)
	}
	switch frame.Error.Code {
	case apperrors.CodeDeliveryFailed:
		return apperrors.NewDeliveryFailed(frame.Error.Message, nil)
	case apperrors.CodeConversationClosed:
		return apperrors.NewDomainError(apperrors.CodeConversationClosed, frame.Error.Message, http.StatusGone, nil)
	case apperrors.CodeNotFound:
		return apperrors.NewDomainError(apperrors.CodeNotFound, frame.Error.Message, http.StatusNotFound, nil)
	case apperrors.CodeValidation:
		return apperrors.NewValidationError(frame.Error.Message, nil)
	case apperrors.CodeUnauthorized:
		return apperrors.NewUnauthorized(frame.Error.Message)
	default:
		return apperrors.NewDeliveryFailed(frame.Error.Message, errors.New(frame.Error.Code))
	}
}

// stopContext returns a context cancelled when stop closes. Callers must call cancel.
func stopContext(stop <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
