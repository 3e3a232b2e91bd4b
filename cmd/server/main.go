// Hand-off Desk - support chat with assistant-to-operator escalation
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/handoff-desk/internal/agent"
	"github.com/ashureev/handoff-desk/internal/api"
	"github.com/ashureev/handoff-desk/internal/bot"
	"github.com/ashureev/handoff-desk/internal/config"
	"github.com/ashureev/handoff-desk/internal/convlog"
	"github.com/ashureev/handoff-desk/internal/events"
	"github.com/ashureev/handoff-desk/internal/gateway"
	"github.com/ashureev/handoff-desk/internal/handoff"
	"github.com/ashureev/handoff-desk/internal/identity"
	"github.com/ashureev/handoff-desk/internal/metrics"
	"github.com/ashureev/handoff-desk/internal/middleware"
	"github.com/ashureev/handoff-desk/internal/store"
	"github.com/ashureev/handoff-desk/internal/texts"
	"github.com/ashureev/handoff-desk/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.Store.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := texts.Load(cfg.TextsFile)
	if err != nil {
		slog.Error("Failed to load texts", "error", err)
		os.Exit(1)
	}

	// Initialize dependencies.
	repo, err := store.New(ctx, store.Options{
		Backend: cfg.Store.Backend,
		DBPath:  cfg.Store.DBPath,
		Redis: store.RedisOptions{
			Addr:      cfg.Store.RedisAddr,
			Password:  cfg.Store.RedisPassword,
			DB:        cfg.Store.RedisDB,
			KeyPrefix: cfg.Store.RedisKeyPrefix,
		},
	})
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected")

	collector := metrics.NewCollector("handoff")

	registry := handoff.NewRegistry(repo, logger)
	if err := bot.SeedOperators(ctx, registry, cfg.Desk.OperatorIDs); err != nil {
		slog.Error("Failed to seed operators", "error", err)
		os.Exit(1)
	}
	if len(cfg.Desk.OperatorIDs) > 0 {
		slog.Info("Operators seeded", "count", len(cfg.Desk.OperatorIDs))
	}

	callstack := handoff.NewCallstack(repo, collector, logger)
	if err := callstack.Load(ctx); err != nil {
		slog.Error("Failed to restore queue and dialogs", "error", err)
		os.Exit(1)
	}
	snap := callstack.Snapshot()
	slog.Info("Callstack restored", "queued", len(snap.Queue), "dialogs", len(snap.Dialogs))

	var publisher events.Publisher
	if cfg.Events.AMQPURL != "" {
		publisher, err = events.NewRabbit(ctx, events.Options{
			URL:           cfg.Events.AMQPURL,
			Exchange:      cfg.Events.Exchange,
			RetryAttempts: 5,
			Delay:         time.Second,
			Logger:        logger,
		})
		if err != nil {
			slog.Warn("Failed to connect to event broker, events will only be logged", "error", err)
		}
	}
	if publisher == nil {
		publisher = events.NewFallback(logger)
	}
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			slog.Warn("Failed to close event publisher", "error", closeErr)
		}
	}()

	transcripts, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Assistant backend (optional).
	var backend agent.Assistant = agent.Unavailable{}
	if cfg.Assistant.Addr != "" {
		slog.Info("Connecting to assistant service via gRPC", "address", cfg.Assistant.Addr)
		grpcCfg := agent.DefaultGrpcClientConfig(cfg.Assistant.Addr)
		grpcCfg.RequestTimeout = cfg.Assistant.Timeout
		client, err := agent.NewGrpcClient(grpcCfg, logger)
		if err != nil {
			slog.Warn("Failed to connect to assistant, users will be offered an operator instead", "error", err)
		} else {
			backend = client
		}
	} else {
		slog.Info("Assistant disabled (ASSISTANT_ADDR not set)")
	}
	assistant := agent.NewService(backend, agent.ServiceConfig{
		Capabilities: agent.Capabilities{
			SearchEnabled: cfg.Assistant.SearchEnabled,
			ToolsEnabled:  cfg.Assistant.ToolsEnabled,
			SearchIndexID: cfg.Assistant.SearchIndexID,
		},
		HistoryLimit:  cfg.Assistant.HistoryLimit,
		RatePerMinute: cfg.Assistant.RatePerMinute,
	}, transcripts, collector, logger)
	defer assistant.Close()

	// Chat transport and desk.
	sessions := gateway.NewSessionManager(cfg.Desk.DisconnectGrace, logger)
	messenger := gateway.NewMessenger(sessions, logger)

	desk := handoff.NewDesk(registry, callstack, messenger, handoff.Options{
		ExitKeywords:      cfg.Desk.ExitKeywords,
		SenderPrefix:      cfg.Desk.SenderPrefix,
		NotifyConcurrency: cfg.Desk.NotifyConcurrency,
		Texts:             catalog,
		Assistant:         assistant,
		Publisher:         publisher,
		Transcripts:       transcripts,
		Metrics:           collector,
		Logger:            logger,
	})

	dispatcher := bot.New(desk, messenger, assistant, bot.Options{
		AdminSecret:     cfg.AdminSecret,
		DisconnectGrace: cfg.Desk.DisconnectGrace,
		Texts:           catalog,
		Logger:          logger,
	})
	defer dispatcher.Close()

	wsHandler := gateway.NewWebSocketHandler(sessions, dispatcher, collector, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo)
	adminHandler := api.NewAdminHandler(api.NewHandler(desk), cfg.AdminSecret)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(collector.Middleware)
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", collector.Handler())

	// Operator console API.
	adminHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.With(identity.Middleware(registry, cfg.IsDevelopment())).Get("/ws/chat", wsHandler.ServeHTTP)

	// Serve embedded chat client.
	r.Handle("/*", web.Handler())

	// WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if err := callstack.Flush(shutdownCtx); err != nil {
		slog.Error("Failed to persist queue and dialogs", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
