package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/api/dto"
	"github.com/apartner/apartner-talk/internal/domain"
	"github.com/apartner/apartner-talk/internal/observability"
	"github.com/apartner/apartner-talk/internal/protocol"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

const (
	maxFrameBytes  = 64 << 10
	sendBuffer     = 64
	requestTimeout = 10 * time.Second
)

// Authenticator resolves the caller of an upgrade request.
type Authenticator interface {
	FromRequest(r *http.Request) (*domain.Principal, error)
}

// MessagePoster stores a message sent over the socket.
type MessagePoster interface {
	PostMessage(ctx context.Context, p *domain.Principal, conversationID int64, body, clientRef string) (*domain.Message, error)
}

// GatewayConfig tunes connection keepalive.
type GatewayConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Gateway upgrades HTTP requests to chat sessions.
type Gateway struct {
	hub      *Hub
	auth     Authenticator
	poster   MessagePoster
	cfg      GatewayConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewGateway wires a gateway to its hub and collaborators.
func NewGateway(hub *Hub, auth Authenticator, poster MessagePoster, cfg GatewayConfig, logger *zap.Logger, metrics *observability.Metrics) *Gateway {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		hub:    hub,
		auth:   auth,
		poster: poster,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients authenticate with bearer tokens, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger.With(zap.String("component", "realtime-gateway")),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Handler exposes the gateway on path.
func (g *Gateway) Handler(path string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, g)
	return mux
}

// ServeHTTP authenticates and runs one session until it ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := g.auth.FromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		writeError(w, apperrors.NewUnavailable("gateway shutting down", nil))
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	s := newSession(principal, sendBuffer)
	g.hub.register(s)
	if g.ctx.Err() != nil {
		s.close()
	}
	g.metrics.ConnectionOpened()
	g.logger.Debug("session opened", zap.String("user_id", principal.SubjectID), zap.String("subject", string(principal.Subject)))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(conn, s)
	}()

	g.readLoop(conn, s)

	g.hub.unregister(s)
	s.close()
	<-writerDone
	_ = conn.Close()
	g.metrics.ConnectionClosed()
	g.logger.Debug("session closed", zap.String("user_id", principal.SubjectID))
}

// Close disconnects every session and waits for them to finish.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	g.hub.CloseAll()
	g.wg.Wait()
}

func (g *Gateway) readLoop(conn *websocket.Conn, s *session) {
	idle := 2 * g.cfg.PingInterval
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(g.cfg.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	// The writer closes the connection when the session ends, which
	// unblocks ReadMessage.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.logger.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}
		if frame.Type != protocol.TypeRequest {
			continue
		}
		if !s.enqueue(g.handleRequest(s.principal, frame)) {
			s.close()
			return
		}
	}
}

func (g *Gateway) handleRequest(principal *domain.Principal, frame protocol.Frame) protocol.Frame {
	switch frame.Method {
	case protocol.MethodSendMessage:
		var params protocol.SendMessageParams
		if err := json.Unmarshal(frame.Payload, &params); err != nil {
			return protocol.Failure(frame.ID, apperrors.CodeValidation, "invalid send_message payload")
		}
		ctx, cancel := context.WithTimeout(g.ctx, requestTimeout)
		defer cancel()
		msg, err := g.poster.PostMessage(ctx, principal, params.ConversationID, params.Body, params.ClientRef)
		if err != nil {
			de := apperrors.ToDomainError(err)
			if de.HTTPStatus >= 500 {
				g.logger.Error("send_message failed", zap.Int64("conversation_id", params.ConversationID), zap.Error(err))
			}
			return protocol.Failure(frame.ID, de.Code, de.Message)
		}
		resp, err := protocol.Success(frame.ID, dto.FromMessage(msg))
		if err != nil {
			return protocol.Failure(frame.ID, apperrors.CodeInternal, "encode acknowledgement")
		}
		return resp
	default:
		return protocol.Failure(frame.ID, apperrors.CodeValidation, "unknown method "+frame.Method)
	}
}

func (g *Gateway) writeLoop(conn *websocket.Conn, s *session) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case frame := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.cfg.WriteTimeout)); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(g.cfg.WriteTimeout))
			return
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	de := apperrors.ToDomainError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(de.HTTPStatus)
	_ = json.NewEncoder(w).Encode(apperrors.Envelope{Error: &apperrors.EnvelopeError{
		Code:    de.Code,
		Message: de.Message,
	}})
}
