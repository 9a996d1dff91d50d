package handlers

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/apartner/apartner-talk/internal/api/dto"
	"github.com/apartner/apartner-talk/internal/domain"
	"github.com/apartner/apartner-talk/internal/service"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

// StaffConversationsHandler exposes staff-side conversation endpoints.
type StaffConversationsHandler struct {
	service *service.ChatService
}

// NewStaffConversationsHandler constructs handler.
func NewStaffConversationsHandler(chatService *service.ChatService) *StaffConversationsHandler {
	return &StaffConversationsHandler{service: chatService}
}

// ListConversations GET /staff/conversations?status=ACTIVE,CLOSED&limit=&offset=.
func (h *StaffConversationsHandler) ListConversations(c *fiber.Ctx) error {
	principal, err := requirePrincipal(c)
	if err != nil {
		return err
	}
	filter, err := parseStaffConversationQuery(c)
	if err != nil {
		return err
	}
	convs, err := h.service.ListStaffConversations(c.UserContext(), principal, filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.Conversations(convs)})
}

// PostMessage POST /staff/conversations/:id/messages.
func (h *StaffConversationsHandler) PostMessage(c *fiber.Ctx) error {
	principal, err := requirePrincipal(c)
	if err != nil {
		return err
	}
	id, err := conversationID(c)
	if err != nil {
		return err
	}
	var req dto.CreateMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.Body) == "" {
		return apperrors.NewValidationError("body required", nil)
	}
	msg, err := h.service.PostMessage(c.UserContext(), principal, id, req.Body, req.ClientRef)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.FromMessage(msg)})
}

// CloseConversation POST /staff/conversations/:id/close.
func (h *StaffConversationsHandler) CloseConversation(c *fiber.Ctx) error {
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

func parseStaffConversationQuery(c *fiber.Ctx) (service.StaffConversationFilter, error) {
	filter := service.StaffConversationFilter{
		Limit:  c.QueryInt("limit", 20),
		Offset: c.QueryInt("offset", 0),
	}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := domain.ConversationStatus(strings.ToUpper(strings.TrimSpace(part)))
			if !status.Valid() {
				return filter, apperrors.NewValidationError("invalid status filter", map[string]any{"status": part})
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	return filter, nil
}
