// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/promptforge-ai/codegen-platform/internal/config"
	"github.com/promptforge-ai/codegen-platform/internal/coordinator"
	"github.com/promptforge-ai/codegen-platform/internal/eventbus"
	"github.com/promptforge-ai/codegen-platform/internal/gateway"
	"github.com/promptforge-ai/codegen-platform/internal/handler"
	"github.com/promptforge-ai/codegen-platform/internal/llm"
	"github.com/promptforge-ai/codegen-platform/internal/middleware"
	"github.com/promptforge-ai/codegen-platform/internal/prompt"
	"github.com/promptforge-ai/codegen-platform/internal/ratelimit"
	"github.com/promptforge-ai/codegen-platform/internal/registry"
	"github.com/promptforge-ai/codegen-platform/pkg/logger"
	"github.com/promptforge-ai/codegen-platform/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server",
		zap.String("port", cfg.ServerPort),
		zap.String("environment", cfg.Environment),
	)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", zap.Error(err))
		os.Exit(1)
	}
	if cfg.APIKey == "" {
		log.Warn("API_KEY is not set, authentication is disabled")
	}

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "codegen-platform", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	bus, err := eventbus.Connect(eventbus.Config{URL: cfg.NATSURL, Token: cfg.NATSToken}, log)
	if err != nil {
		log.Error("failed to connect event bus", zap.Error(err))
		os.Exit(1)
	}
	defer bus.Close()

	providers, err := llm.NewRegistry(cfg)
	if err != nil {
		log.Error("no usable providers", zap.Error(err))
		os.Exit(1)
	}
	log.Info("providers configured", zap.Strings("providers", providers.Configured()))

	sessions := registry.NewSessions(log)
	projects := registry.NewProjects(log, cfg.WorkspaceDir, cfg.WorkspaceDir != "")
	prompts := prompt.NewBuilder("gpt-4", 0, 0)

	quality, err := registry.ParseQuality(cfg.QualityLevel)
	if err != nil {
		log.Warn("invalid QUALITY_LEVEL, using standard", zap.String("value", cfg.QualityLevel))
		quality = registry.QualityStandard
	}

	coord := coordinator.New(coordinator.Config{
		FirstChunkTimeout: cfg.FirstChunkTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		StreamTimeout:     cfg.StreamTimeout,
		MaxConcurrent:     cfg.MaxConcurrentStreams,
		SoftCap:           cfg.OutboundSoftCap,
		HardCap:           cfg.OutboundHardCap,
		DefaultQuality:    quality,
	}, providers, sessions, projects, prompts, bus, log)

	limiter := ratelimit.New(cfg.RateLimitWindow, cfg.RateLimitMax)
	limiter.StartSweeper(cfg.RateLimitWindow)
	defer limiter.Stop()

	gw := gateway.New(gateway.Config{
		APIKey:     cfg.APIKey,
		CORSOrigin: cfg.CORSOrigin,
		Production: cfg.Production(),
	}, coord, sessions, limiter, log)

	stopSweep := make(chan struct{})
	gw.StartPollSweeper(time.Minute, stopSweep)
	defer close(stopSweep)

	expose := !cfg.Production()
	agentHandler := handler.NewAgentHandler(coord, projects, log, expose, cfg.EnableStreaming)
	sessionHandler := handler.NewSessionHandler(sessions, log, expose)
	healthHandler := handler.NewHealthHandler(bus, providers)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Logging(log))
	r.Use(middleware.IPRateLimit(cfg.RateLimitMax*10, time.Minute))

	// Health and metrics stay outside auth.
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// The socket authenticates in its own handshake.
	r.Get("/ws", gw.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.APIKey, cfg.JWTSecret, expose))
		r.Use(middleware.PrincipalRateLimit(limiter, expose))

		r.Route("/agent", func(r chi.Router) {
			r.Post("/create-project", agentHandler.CreateProject)
			r.Post("/continue-project", agentHandler.ContinueProject)
			r.Post("/cleanup", agentHandler.Cleanup)

			r.Route("/projects", func(r chi.Router) {
				r.Get("/", agentHandler.ListProjects)
				r.Get("/{id}/status", agentHandler.ProjectStatus)
				r.Get("/{id}/files", agentHandler.ProjectFiles)
				r.Post("/{id}/cancel", agentHandler.CancelProject)
			})
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sessionHandler.Create)
			r.Get("/", sessionHandler.List)
			r.Get("/{id}", sessionHandler.Get)
			r.Delete("/{id}", sessionHandler.Delete)
			r.Post("/{id}/mode", sessionHandler.SwitchMode)
			r.Post("/{id}/messages", sessionHandler.AppendMessage)
		})

		r.Route("/poll", func(r chi.Router) {
			r.Post("/streams/{streamID}", gw.HandlePollSubscribe)
			r.Get("/{pollID}/events", gw.HandlePollEvents)
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Warn("streams did not drain before deadline", zap.Error(err))
	}
	gw.CloseAll()

	log.Info("server stopped")
}
