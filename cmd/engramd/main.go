package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/marcofalcone/engram/internal/app"
	"github.com/marcofalcone/engram/internal/config"
	"github.com/marcofalcone/engram/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Format = cfg.LogFormat
	logCfg.Level = parseLevel(cfg.LogLevel)
	logger.Init(logCfg)
	log := logger.ForComponent("main")

	ctx := context.Background()
	result, err := app.Build(ctx, cfg)
	if err != nil {
		log.Error("build failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := result.Cleanup(); err != nil {
			log.Warn("cleanup error", "error", err)
		}
	}()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	if result.Scheduler != nil {
		if err := result.Scheduler.Start(runCtx); err != nil {
			log.Error("scheduler start failed", "error", err)
			os.Exit(1)
		}
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: result.API.Router(),
	}

	go func() {
		log.Info("server listening", "addr", cfg.BindAddr, "agents", len(cfg.Agents))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	log.Info("shutdown complete")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
