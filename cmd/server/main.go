// Science Tutor - chat server for a hosted science assistant
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/science-tutor/internal/api"
	"github.com/ashureev/science-tutor/internal/assistant"
	"github.com/ashureev/science-tutor/internal/chat"
	"github.com/ashureev/science-tutor/internal/config"
	"github.com/ashureev/science-tutor/internal/health"
	"github.com/ashureev/science-tutor/internal/identity"
	"github.com/ashureev/science-tutor/internal/middleware"
	"github.com/ashureev/science-tutor/internal/render"
	"github.com/ashureev/science-tutor/internal/session"
	"github.com/ashureev/science-tutor/internal/store"
	"github.com/ashureev/science-tutor/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"assistant_id", cfg.Assistant.AssistantID,
	)

	// Initialize dependencies.
	repo, err := store.NewSQLite(store.MemoryPath, store.WithRetry(cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay))
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	client := assistant.NewHTTPClient(assistant.HTTPClientConfig{
		APIKey:         cfg.Assistant.APIKey,
		BaseURL:        cfg.Assistant.BaseURL,
		RequestTimeout: cfg.Assistant.RequestTimeout,
	}, logger)
	poller := assistant.NewPoller(client, assistant.PollerConfig{
		Interval:    cfg.Poll.Interval,
		Timeout:     cfg.Poll.Timeout,
		MaxAttempts: cfg.Poll.MaxAttempts,
	}, logger)
	sessions := session.NewService(repo, client, poller, cfg.Assistant.AssistantID, logger)

	conversationLogger, err := chat.NewConversationLogger(chat.ConversationLogConfig{
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

	// Initialize handlers.
	renderer := render.New()
	registry := chat.NewConnectionRegistry()
	chatHandler := chat.NewHandler(sessions, renderer, registry, conversationLogger, cfg)
	defer chatHandler.Close()

	baseHandler := api.NewHandler(repo, cfg)
	healthHandler := api.NewHealthHandler(baseHandler)
	sessionHandler := api.NewSessionHandler(baseHandler, sessions, renderer, func(userID, sessionID string) {
		conversationLogger.Log(chat.ConversationLogEvent{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			UserID:    userID,
			SessionID: sessionID,
			Channel:   chat.ChannelHTTP,
			Direction: "outbound",
			EventType: chat.LogSessionReset,
		})
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Everything else runs with an anonymous identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		sessionHandler.RegisterRoutes(r)
		chatHandler.RegisterRoutes(r)
	})

	// Serve embedded page (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := newHTTPServer(ctx, ":"+cfg.Port, r)

	// Start session sweeper.
	sessions.StartSweeper(ctx, cfg.Session.TTL, cfg.Session.SweepInterval, registry.CloseSession)

	// Start gRPC health server (optional).
	var grpcHealth *health.Server
	if cfg.GRPCPort != "" {
		grpcHealth = health.NewServer(repo, cfg.Timeout.HealthCheck, logger)
		grpcHealth.StartProbing(ctx, 15*time.Second)
		go func() {
			if err := grpcHealth.ListenAndServe(cfg.GRPCPort); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	} else {
		slog.Info("gRPC health server disabled (GRPC_PORT not set)")
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

	if grpcHealth != nil {
		grpcHealth.Stop()
	}
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newHTTPServer builds the HTTP server. Request contexts derive from ctx,
// so a shutdown signal ends in-flight exchanges and cancels their runs.
func newHTTPServer(ctx context.Context, addr string, handler http.Handler) *http.Server {
	// Note: SSE connections require long timeouts (no WriteTimeout).
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
