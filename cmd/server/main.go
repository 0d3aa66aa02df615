// Parley - real-time chat server
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

	"github.com/ashureev/parley/internal/api"
	"github.com/ashureev/parley/internal/broadcast"
	"github.com/ashureev/parley/internal/broadcast/zmqbus"
	"github.com/ashureev/parley/internal/chat"
	"github.com/ashureev/parley/internal/config"
	"github.com/ashureev/parley/internal/healthcheck"
	"github.com/ashureev/parley/internal/identity"
	"github.com/ashureev/parley/internal/middleware"
	"github.com/ashureev/parley/internal/session"
	"github.com/ashureev/parley/internal/shared"
	"github.com/ashureev/parley/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "bus", cfg.Bus.Mode, "node_id", cfg.Bus.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLiteWithRetry(cfg.DBPath, shared.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
	})
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	reg := broadcast.NewRegistry()
	bus, err := newBus(ctx, cfg, reg)
	if err != nil {
		slog.Error("Failed to initialize fan-out bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := bus.Close(); closeErr != nil {
			slog.Error("Failed to close bus", "error", closeErr)
		}
	}()

	// Initialize services.
	chats := chat.NewService(repo, bus, chat.Options{
		MaxMessageLength: cfg.Session.MaxMessageLength,
		EchoToSender:     cfg.Session.EchoToSender,
	})
	resolver := identity.NewResolver(repo, cfg.Session.AuthTimeout)
	sessions := session.NewManager(reg)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, chats, sessions, reg)
	chatHandler := api.NewChatHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo, cfg.Session.StoreTimeout)
	wsHandler := session.NewSupervisor(resolver, repo, chats, reg, sessions, session.Config{
		QueueSize:      cfg.Session.QueueSize,
		MaxFrameBytes:  cfg.Session.MaxFrameBytes,
		StoreTimeout:   cfg.Session.StoreTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Token-authenticated REST routes.
	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Middleware(resolver))
		chatHandler.RegisterRoutes(r)
	})

	// WebSocket endpoint. The token is read from the query string; an optional
	// chat id in the path is accepted for client compatibility and ignored.
	r.Get("/ws/chat", wsHandler.ServeHTTP)
	r.Get("/ws/chat/", wsHandler.ServeHTTP)
	r.Get("/ws/chat/{chatID}", wsHandler.ServeHTTP)
	r.Get("/ws/chat/{chatID}/", wsHandler.ServeHTTP)

	// Websocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	var health *healthcheck.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "addr", cfg.GRPCAddr, "error", err)
			os.Exit(1)
		}
		health = healthcheck.NewServer()
		healthcheck.StartProber(ctx, repo, health, cfg.Health.Interval)
		go func() {
			if err := health.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
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

	if health != nil {
		health.Stop()
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	closed := sessions.CloseAll("server shutting down")
	slog.Info("Closed live sessions", "count", closed)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func newBus(ctx context.Context, cfg *config.Config, reg *broadcast.Registry) (broadcast.Bus, error) {
	if cfg.Bus.Mode != config.BusZMQ {
		return broadcast.NewLocalBus(reg), nil
	}
	return zmqbus.New(ctx, zmqbus.Config{
		NodeID: cfg.Bus.NodeID,
		Bind:   cfg.Bus.Bind,
		Peers:  cfg.Bus.Peers,
	}, reg)
}
