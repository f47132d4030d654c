// quizd serves live quiz sessions: one WebSocket endpoint per interactive,
// a health probe, and the administrative interactive API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/carclicker/quizd/pkg/api"
	"github.com/carclicker/quizd/pkg/config"
	"github.com/carclicker/quizd/pkg/session"
	"github.com/carclicker/quizd/pkg/storage"
	"github.com/carclicker/quizd/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting quizd", "version", version.Full(), "http_port", cfg.HTTPPort)

	ctx := context.Background()

	repo, err := storage.Open(ctx, cfg.Database.DSN())
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		slog.Error("Failed to apply schema", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database")

	manager := session.NewManager(repo, session.DefaultConfig())
	server := api.NewServer(cfg, repo, manager)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	manager.Shutdown(shutdownCtx)

	slog.Info("Shutdown complete")
}
