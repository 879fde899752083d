package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/switchyard/internal/calld/app"
	"github.com/sebas/switchyard/internal/calld/config"
	"github.com/sebas/switchyard/internal/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	// Create engine
	engine, err := app.NewServer(cfg)
	if err != nil {
		slog.Error("Failed to create transfer engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	run(engine, cfg)
}

func run(engine *app.Switchyard, cfg *config.Config) {
	slog.Info("Starting Switchyard Transfer Engine",
		"listen", cfg.ListenAddr,
		"ari", cfg.AriURL,
		"app", cfg.AriApp,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start engine
	go func() {
		if err := engine.Start(ctx); err != nil {
			slog.Error("Engine error", "error", err)
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(1 * time.Second)
}
