package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ajax-ai/ajax-chat/internal/api"
	"github.com/ajax-ai/ajax-chat/internal/auth"
	"github.com/ajax-ai/ajax-chat/internal/config"
	"github.com/ajax-ai/ajax-chat/internal/core"
	"github.com/ajax-ai/ajax-chat/internal/store"
)

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Initialize database store (schema init also applies the unique email
	// index and the chats-by-user index)
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.String("dbPath", cfg.DatabaseURL),
			zap.Error(err))
	}
	defer dbStore.Close()

	// Initialize model gateway
	gateway, err := core.NewGeminiGateway(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		logger.Fatal("failed to initialize model gateway", zap.Error(err))
	}
	defer gateway.Close()

	// Initialize orchestrator and session plumbing
	orchestrator := core.NewOrchestrator(dbStore, gateway, logger)
	registry := core.NewSessionRegistry()
	cookies := auth.NewSessionManager(cfg.CookiePrefix, cfg.SessionSecret)

	// Initialize API handler and router
	apiHandler := api.NewAPIHandler(dbStore, orchestrator, registry, cookies, logger)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: turn responses stream model output and may run
		// for the full gateway deadline.
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("starting server", zap.String("addr", serverAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("could not listen", zap.String("addr", serverAddr), zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exiting gracefully")
}
