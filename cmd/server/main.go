// TalkRecorder - permission-gated voice transcript recorder server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ashureev/talkrecorder/internal/api"
	"github.com/ashureev/talkrecorder/internal/capture"
	"github.com/ashureev/talkrecorder/internal/config"
	"github.com/ashureev/talkrecorder/internal/events"
	"github.com/ashureev/talkrecorder/internal/grant"
	"github.com/ashureev/talkrecorder/internal/ledger"
	"github.com/ashureev/talkrecorder/internal/middleware"
	"github.com/ashureev/talkrecorder/internal/recognizer"
	"github.com/ashureev/talkrecorder/internal/session"
	"github.com/ashureev/talkrecorder/internal/store"
	"github.com/ashureev/talkrecorder/web"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "folder_access", cfg.FolderAccess)

	if err := os.MkdirAll(filepath.Dir(cfg.PrefsDBPath), 0o755); err != nil {
		slog.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}
	prefs, err := store.NewSQLite(cfg.PrefsDBPath)
	if err != nil {
		slog.Error("Failed to initialize preferences database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := prefs.Close(); closeErr != nil {
			slog.Error("Failed to close preferences database", "error", closeErr)
		}
	}()

	if err := prefs.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Preferences database connected", "path", cfg.PrefsDBPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize services.
	hub := events.NewHub(cfg.EventQueueSize, logger)
	outbox := ledger.NewOutbox(cfg.DownloadTTL)
	outbox.StartSweeper(ctx)

	g := grant.New(prefs, grant.Options{FolderAccess: cfg.FolderAccess, Logger: logger})
	ctrl := session.New(g, session.Options{
		Downloader: outbox,
		Publisher:  hub,
		Logger:     logger,
	})
	defer ctrl.Close()

	phase, err := ctrl.OnStartupRevalidation(ctx)
	switch {
	case errors.Is(err, grant.ErrCapabilityRevoked):
		slog.Warn("Remembered folder is no longer usable, onboarding required", "error", err)
	case err != nil:
		slog.Error("Startup revalidation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Session restored", "phase", phase)

	// Optional speech recognizer.
	var rec capture.Recognizer
	recognizerEnabled := false
	if cfg.RecognizerAddr != "" {
		client, err := recognizer.NewClient(recognizer.DefaultConfig(cfg.RecognizerAddr), logger)
		if err != nil {
			slog.Warn("Failed to connect to speech recognizer, server-side recognition disabled", "error", err)
		} else {
			defer client.Close()
			rec = client
			recognizerEnabled = true
		}
	}
	if !recognizerEnabled {
		slog.Info("Server-side recognition disabled (RECOGNIZER_ADDR not set or connection failed)")
	}

	// Initialize handlers.
	registry := capture.NewRegistry()
	wsHandler := capture.NewHandler(ctrl, capture.Options{
		Recognizer:    rec,
		Registry:      registry,
		MaxBytes:      cfg.MaxRecordingBytes,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		Logger:        logger,
	})
	apiHandler := api.NewHandler(ctrl, hub, api.Options{
		Downloads:         outbox,
		Logger:            logger,
		FolderAccess:      cfg.FolderAccess,
		RecognizerEnabled: recognizerEnabled,
		MaxRecordingBytes: cfg.MaxRecordingBytes,
		SSEKeepalive:      cfg.SSE.Keepalive,
		SSERetry:          cfg.SSE.Retry,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/capture", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE connections require no WriteTimeout; keepalive pings hold them open.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

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
	registry.CloseAll()
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
