package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/apartner/apartner-talk/internal/api/http/handlers"
	"github.com/apartner/apartner-talk/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Conversations  *handlers.ConversationsHandler
	Staff          *handlers.StaffConversationsHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	chat := app.Group("/chat", cfg.AuthMiddleware.Handle, auth.RequireAnyRole())
	chat.Get("/categories", cfg.Conversations.ListCategories)

	residents := chat.Group("/conversations", auth.RequireResident())
	residents.Post("/", cfg.Conversations.CreateConversation)
	residents.Get("/", cfg.Conversations.ListConversations)
	residents.Get("/active", cfg.Conversations.ActiveConversation)
	residents.Get("/:id", cfg.Conversations.GetConversation)
	residents.Get("/:id/messages", cfg.Conversations.ListMessages)
	residents.Post("/:id/close", cfg.Conversations.CloseConversation)
	residents.Post("/:id/read", cfg.Conversations.MarkRead)

	staff := app.Group("/staff", cfg.AuthMiddleware.Handle, auth.RequireStaff())
	staff.Get("/conversations", cfg.Staff.ListConversations)
	staff.Get("/conversations/:id", cfg.Conversations.GetConversation)
	staff.Get("/conversations/:id/messages", cfg.Conversations.ListMessages)
	staff.Post("/conversations/:id/messages", cfg.Staff.PostMessage)
	staff.Post("/conversations/:id/close", cfg.Staff.CloseConversation)
}
