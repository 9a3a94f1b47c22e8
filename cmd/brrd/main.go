// Command brrd runs the Bundle Runtime Router as a standalone daemon.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tonk-labs/bundle-runtime-router/internal/config"
	"github.com/tonk-labs/bundle-runtime-router/internal/logging"
	"github.com/tonk-labs/bundle-runtime-router/internal/runtime"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		log.Fatalf("construct runtime: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := rt.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Fatalf("runtime error: %v", err)
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := rt.Stop(ctx); err != nil {
		slog.Warn("error during shutdown", "error", err)
	}

	slog.Info("bundle runtime router stopped")
}
