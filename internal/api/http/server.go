package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/api/http/handlers"
	"github.com/apartner/apartner-talk/internal/auth"
	"github.com/apartner/apartner-talk/internal/category"
	"github.com/apartner/apartner-talk/internal/observability"
	"github.com/apartner/apartner-talk/internal/persistence"
	"github.com/apartner/apartner-talk/internal/service"
)

// ServerDeps bundles what the REST API needs.
type ServerDeps struct {
	Name           string
	Version        string
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	Chat           *service.ChatService
	Categories     *category.Registry
	AuthMiddleware *auth.AuthMiddleware
	Postgres       *persistence.Postgres
	Redis          *persistence.Redis
}

// NewApp builds the fiber application with middlewares and routes.
func NewApp(deps ServerDeps) *fiber.App {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	app := fiber.New(fiber.Config{
		AppName:               deps.Name,
		DisableStartupMessage: true,
	})
	RegisterMiddlewares(app, logger, deps.Metrics, deps.RequestTimeout)
	RegisterRoutes(app, RouteConfig{
		Health:         handlers.NewHealthHandler(deps.Name, deps.Version, deps.Postgres, deps.Redis, deps.Metrics),
		Conversations:  handlers.NewConversationsHandler(deps.Chat, deps.Categories),
		Staff:          handlers.NewStaffConversationsHandler(deps.Chat),
		AuthMiddleware: deps.AuthMiddleware,
	})
	return app
}
