package handlers

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/apartner/apartner-talk/internal/api/dto"
	"github.com/apartner/apartner-talk/internal/auth"
	"github.com/apartner/apartner-talk/internal/category"
	"github.com/apartner/apartner-talk/internal/domain"
	"github.com/apartner/apartner-talk/internal/service"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

// ConversationsHandler manages resident conversation endpoints.
type ConversationsHandler struct {
	service    *service.ChatService
	categories *category.Registry
}

// NewConversationsHandler constructs handler.
func NewConversationsHandler(chatService *service.ChatService, categories *category.Registry) *ConversationsHandler {
	if categories == nil {
		categories = category.NewRegistry()
	}
	return &ConversationsHandler{service: chatService, categories: categories}
}

// ListCategories GET /chat/categories.
func (h *ConversationsHandler) ListCategories(c *fiber.Ctx) error {
	lang := c.Query("lang", "ko")
	items := h.categories.List()
	out := make([]dto.Category, 0, len(items))
	for _, item := range items {
		out = append(out, dto.Category{
			Code:        string(item.Code),
			DisplayName: h.categories.LocalizedName(lang, item.Code),
			IconKey:     item.IconKey,
		})
	}
	return c.JSON(fiber.Map{"data": out})
}

// CreateConversation POST /chat/conversations.
func (h *ConversationsHandler) CreateConversation(c *fiber.Ctx) error {
	principal, err := requirePrincipal(c)
	if err != nil {
		return err
	}
	var req dto.CreateConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.CategoryCode == "" {
		return apperrors.NewValidationError("category_code required", nil)
	}
	conv, err := h.service.CreateConversation(c.UserContext(), principal, req.CategoryCode)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.FromConversation(conv)})
}

// ActiveConversation GET /chat/conversations/active. Data is null when the
// resident has no ACTIVE conversation.
func (h *ConversationsHandler) ActiveConversation(c *fiber.Ctx) error {
	principal, err := requirePrincipal(c)
	if err != nil {
		return err
	}
	conv, err := h.service.ActiveConversation(c.UserContext(), principal)
	if err != nil {
		return err
	}
	if conv == nil {
		return c.JSON(fiber.Map{"data": nil})
	}
	return c.JSON(fiber.Map{"data": dto.FromConversation(conv)})
}

// ListConversations GET /chat/conversations.
func (h *ConversationsHandler) ListConversations(c *fiber.Ctx) error {
	principal, err := requirePrincipal(c)
	if err != nil {
		return err
	}
	convs, err := h.service.ListConversations(c.UserContext(), principal)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.Conversations(convs)})
}

// GetConversation GET /chat/conversations/:id.
func (h *ConversationsHandler) GetConversation(c *fiber.Ctx) error {
	principal, err := requirePrincipal(c)
	if err != nil {
		return err
	}
	id, err := conversationID(c)
	if err != nil {
		return err
	}
	conv, err := h.service.GetConversation(c.UserContext(), principal, id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.FromConversation(conv)})
}

// ListMessages GET /chat/conversations/:id/messages.
func (h *ConversationsHandler) ListMessages(c *fiber.Ctx) error {
	principal, err := requirePrincipal(c)
	if err != nil {
		return err
	}
	id, err := conversationID(c)
	if err != nil {
		return err
	}
	msgs, err := h.service.ListMessages(c.UserContext(), principal, id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.Messages(msgs)})
}

// CloseConversation POST /chat/conversations/:id/close.
func (h *ConversationsHandler) CloseConversation(c *fiber.Ctx) error {
	principal, err := requirePrincipal(c)
	if err != nil {
		return err
	}
	id, err := conversationID(c)
	if err != nil {
		return err
	}
	conv, err := h.service.CloseConversation(c.UserContext(), principal, id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.FromConversation(conv)})
}

// MarkRead POST /chat/conversations/:id/read.
func (h *ConversationsHandler) MarkRead(c *fiber.Ctx) error {
	principal, err := requirePrincipal(c)
	if err != nil {
		return err
	}
	id, err := conversationID(c)
	if err != nil {
		return err
	}
	conv, err := h.service.MarkRead(c.UserContext(), principal, id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.FromConversation(conv)})
}

func requirePrincipal(c *fiber.Ctx) (*domain.Principal, error) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return nil, apperrors.NewUnauthorized("authentication required")
	}
	return principal, nil
}

func conversationID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NewValidationError("invalid conversation id", map[string]any{"id": c.Params("id")})
	}
	return id, nil
}
