// Persona relay server: answers chat-platform messages in character.
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

	"github.com/ashureev/persona-relay/internal/config"
	"github.com/ashureev/persona-relay/internal/conversation"
	"github.com/ashureev/persona-relay/internal/dispatch"
	"github.com/ashureev/persona-relay/internal/gateway"
	"github.com/ashureev/persona-relay/internal/idle"
	"github.com/ashureev/persona-relay/internal/llm"
	"github.com/ashureev/persona-relay/internal/metrics"
	"github.com/ashureev/persona-relay/internal/middleware"
	"github.com/ashureev/persona-relay/internal/persona"
	"github.com/ashureev/persona-relay/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
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

	slog.Info("Starting relay", "port", cfg.Port, "model", cfg.Model.Name, "persona_dir", cfg.PersonaDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	history, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := history.Close(); closeErr != nil {
			slog.Error("Failed to close history store", "error", closeErr)
		}
	}()

	if err := history.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	m := metrics.New()

	generator, err := llm.NewGemini(ctx, cfg.Model.APIKey, cfg.Model.Name, logger)
	if err != nil {
		slog.Error("Failed to initialize model client", "error", err)
		os.Exit(1)
	}

	policy := dispatch.DefaultPolicy()
	policy.MaxAttempts = cfg.Retry.MaxAttempts
	policy.InitialWait = cfg.Retry.InitialWait
	policy.MaxWait = cfg.Retry.MaxWait

	dispatcher := dispatch.New(generator,
		dispatch.WithPolicy(policy),
		dispatch.WithMaxReplyLength(cfg.Retry.MaxReplyLength),
		dispatch.WithShortenAttempts(cfg.Retry.ShortenAttempts),
		dispatch.WithMetrics(m),
		dispatch.WithLogger(logger),
	)

	personas := persona.NewLoader(cfg.PersonaDir, logger)
	manager := conversation.NewManager(personas, history, dispatcher, conversation.Options{
		DefaultPersona: cfg.DefaultPersona,
		MaxTurns:       cfg.History.MaxTurns,
		LoadLimit:      cfg.History.LoadLimit,
		Metrics:        m,
	}, logger)
	defer manager.Close()

	// A failed startup build is retried lazily on the first message.
	if info, err := manager.Initialize(ctx, ""); err != nil {
		slog.Warn("Conversation session not ready at startup", "error", err)
	} else {
		slog.Info("Conversation session ready", "persona", info.Key, "display_name", info.DisplayName, "turns", info.Turns, "degraded", info.Degraded)
	}

	hub := gateway.NewHub(nil, m, logger)
	scheduler := idle.New(manager, hub, idle.Config{
		Interval:  cfg.Idle.TickInterval,
		Threshold: cfg.Idle.Threshold,
		Metrics:   m,
	}, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	limiter := gateway.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Close()

	// Initialize handlers.
	apiHandler := gateway.NewHandler(manager, scheduler, gateway.Options{
		TargetChannels: cfg.TargetChannels,
		Limiter:        limiter,
		Metrics:        m,
	}, logger)
	readyHandler := gateway.NewReadyHandler(history, manager)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	readyHandler.RegisterReady(r)
	r.Handle("/metrics", m.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RelayToken(cfg.RelayToken))
		apiHandler.RegisterRoutes(r)
	})

	// WebSocket endpoint for platform adapters.
	r.With(middleware.RelayToken(cfg.RelayToken)).Get("/ws/outbound", hub.ServeHTTP)

	// Model calls may spend minutes in backoff, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		stop()
		scheduler.Stop()
		limiter.Close()
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
