// Package main is the entry point for the chat daemon.
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

	"github.com/vivaha-labs/chat-sync/internal/chat"
	"github.com/vivaha-labs/chat-sync/internal/config"
	"github.com/vivaha-labs/chat-sync/internal/handler"
	"github.com/vivaha-labs/chat-sync/internal/middleware"
	"github.com/vivaha-labs/chat-sync/internal/store"
	"github.com/vivaha-labs/chat-sync/internal/store/memstore"
	"github.com/vivaha-labs/chat-sync/internal/store/natstore"
	"github.com/vivaha-labs/chat-sync/pkg/logger"
	"github.com/vivaha-labs/chat-sync/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting chat daemon")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-sync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Wire the backing store
	var (
		st       store.Store
		uploader chat.VoiceUploader
		pinger   handler.Pinger
	)
	switch cfg.StoreBackend {
	case "memory":
		log.Warn("using in-memory store, data will not survive restarts")
		st = memstore.New()
	default:
		natsClient, err := natstore.Connect(ctx, natstore.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsClient.Close()

		natsStore, err := natstore.New(ctx, natsClient, log)
		if err != nil {
			log.Error("failed to bind store buckets", zap.Error(err))
			os.Exit(1)
		}
		voiceUploader, err := natstore.NewVoiceUploader(ctx, natsClient, natsStore)
		if err != nil {
			log.Error("failed to open voice bucket", zap.Error(err))
			os.Exit(1)
		}
		st = natsStore
		uploader = voiceUploader
		pinger = natsClient
	}

	// Initialize the messaging core
	manager := chat.NewManager(st, log, chat.Options{
		PageSize:             cfg.PageSize,
		SettleDelay:          cfg.SettleDelay,
		BackoffBase:          cfg.BackoffBase,
		BackoffJitter:        cfg.BackoffJitter,
		OfflineRetryInterval: cfg.OfflineRetryInterval,
		Uploader:             uploader,
	})
	defer manager.CloseAll()

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(pinger)
	chatHandler := handler.NewChatHandler(ctx, manager, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/chats/{peer}", func(r chi.Router) {
			r.Get("/", chatHandler.Timeline)
			r.Post("/messages", chatHandler.Send)
			r.Delete("/messages/{id}", chatHandler.Delete)
			r.Post("/voice", chatHandler.SendVoice)
			r.Post("/typing", chatHandler.Typing)
			r.Post("/read", chatHandler.MarkRead)
			r.Post("/older", chatHandler.FetchOlder)
			r.Post("/refresh", chatHandler.Refresh)

			// Live timeline
			r.Get("/stream", chatHandler.Stream)
			r.Get("/ws", chatHandler.WebSocket)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
