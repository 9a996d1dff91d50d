package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httptransport "github.com/apartner/apartner-talk/internal/api/http"
	"github.com/apartner/apartner-talk/internal/auth"
	"github.com/apartner/apartner-talk/internal/category"
	"github.com/apartner/apartner-talk/internal/config"
	"github.com/apartner/apartner-talk/internal/events"
	"github.com/apartner/apartner-talk/internal/observability"
	"github.com/apartner/apartner-talk/internal/persistence"
	"github.com/apartner/apartner-talk/internal/realtime"
	"github.com/apartner/apartner-talk/internal/repository"
	"github.com/apartner/apartner-talk/internal/service"
	"github.com/apartner/apartner-talk/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("talkd stopped", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer pg.Close()

	if pg.Enabled() && cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
			return err
		}
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	var (
		conversations repository.ConversationRepository
		messages      repository.MessageRepository
	)
	if pg.Enabled() {
		conversations = repository.NewConversationRepository(pg.PoolHandle())
		messages = repository.NewMessageRepository(pg.PoolHandle())
	} else {
		logger.Warn("using in-memory chat store; data is lost on restart")
		store := repository.NewMemoryStore()
		conversations = store.Conversations()
		messages = store.Messages()
	}

	metrics := observability.NewMetrics()
	categories := category.NewRegistry()
	dispatcher := events.NewInMemoryDispatcher(logger)
	hub := realtime.NewHub(logger, metrics)

	var broker realtime.Broker = realtime.NewLocalBroker(hub)
	if redis.Enabled() {
		broker = realtime.NewRedisBroker(redis.Client, cfg.Realtime.Channel, hub, logger)
	}
	worker.StartPushWorker(service.NewPushService(dispatcher, broker, logger))

	chat := service.NewChatService(service.ChatDependencies{
		ConversationRepo: conversations,
		MessageRepo:      messages,
		Categories:       categories,
		Dispatcher:       dispatcher,
		Logger:           logger,
	})
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	authMiddleware := auth.NewAuthMiddleware(tokens)

	app := httptransport.NewApp(httptransport.ServerDeps{
		Name:           cfg.App.Name,
		Version:        cfg.App.Version,
		RequestTimeout: cfg.App.RequestTimeout(),
		Logger:         logger,
		Metrics:        metrics,
		Chat:           chat,
		Categories:     categories,
		AuthMiddleware: authMiddleware,
		Postgres:       pg,
		Redis:          redis,
	})

	gateway := realtime.NewGateway(hub, authMiddleware, chat, realtime.GatewayConfig{
		PingInterval: cfg.Realtime.PingInterval(),
	}, logger, metrics)
	wsServer := &http.Server{
		Addr:              cfg.Realtime.Addr(),
		Handler:           gateway.Handler("/ws"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("rest api listening", zap.String("addr", cfg.App.Addr()))
		return app.Listen(cfg.App.Addr())
	})
	g.Go(func() error {
		logger.Info("realtime gateway listening", zap.String("addr", wsServer.Addr))
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return broker.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		gateway.Close()
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown", zap.Error(err))
		}
		return app.ShutdownWithContext(shutdownCtx)
	})
	return g.Wait()
}
