package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"banto/internal/config"
	"banto/internal/di"
	"banto/internal/logging"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

func main() {
	// BANTO_CONFIG names the config file; BANTO_* overrides apply last.
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Default().SetLevel(logging.ParseLevel(cfg.Logging.Level))

	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting banto server...")

	logger.Info("=== Server Configuration ===")
	logger.Info("Addr: %s", cfg.Server.Addr)
	logger.Info("State backend: %s", cfg.State.Backend)
	logger.Info("Knowledge backend: %s", cfg.Knowledge.Backend)
	logger.Info("Scheduler enabled: %t", cfg.Scheduler.Enabled)
	logger.Info("Emergency stop: %t", cfg.Safety.EmergencyStop)
	logger.Info("============================")

	container, err := di.BuildContainer(cfg, di.Options{Version: Version})
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start server in goroutine
	go func() {
		logger.Info("Server listening on %s", cfg.Server.Addr)
		if err := container.Start(ctx); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	timeout := cfg.Server.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := container.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server stopped")
}
