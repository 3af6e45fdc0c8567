package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulsefeed/pulsefeed/internal/api"
	"github.com/pulsefeed/pulsefeed/internal/auth"
	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/hub"
	"github.com/pulsefeed/pulsefeed/internal/ingest"
	"github.com/pulsefeed/pulsefeed/internal/metrics"
	"github.com/pulsefeed/pulsefeed/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("pulsefeed-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"ingest_mode", cfg.Server.Ingest.Mode,
		"max_connections", cfg.Server.Hub.MaxConnections,
		"webhooks", len(cfg.Server.Webhooks),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	authn := auth.New(cfg.Server.Auth)
	defer authn.Stop()

	m := metrics.New()

	// The hub owns the WebSocket endpoint and all fan-out. Webhook targets
	// receive every published event alongside the connected clients.
	wh := webhook.New(cfg.Server.Webhooks)
	defer wh.Close()
	h := hub.New(hub.NewRegistry(), authn, m, cfg.Server.Hub, wh)
	go h.Run(ctx)

	// Hot reload: hub limits apply to connections accepted after the
	// change; ports and auth mode require a restart.
	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			h.UpdateLimits(next.Server.Hub)
		})
		if err != nil {
			slog.Error("config watch stopped", "err", err)
		}
	}()

	statusAPI := api.New(h, cfg.Server.Auth.Mode)
	ingestHandler := ingest.New(h)
	ingestGuard := auth.APIKeyMiddleware(
		cfg.Server.Ingest.Mode,
		cfg.Server.Ingest.EffectiveHeader(),
		cfg.Server.Ingest.Key(),
	)

	r := chi.NewRouter()
	r.Get("/ws", h.ServeHTTP)
	r.With(ingestGuard).Post("/api/v1/events", ingestHandler.ServeHTTP)
	r.Get("/api/v1/health", statusAPI.Health)
	r.Get("/api/v1/status", statusAPI.Status)
	r.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: r,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("pulsefeed-server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("pulsefeed-server stopped")
}
