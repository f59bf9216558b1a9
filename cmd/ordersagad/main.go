// Command ordersagad runs the order saga as a standalone process: it
// connects to the broker, declares its consumer endpoint, registers itself
// with the service registry, and processes order lifecycle events until
// asked to shut down.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timour/txbus/common/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	config.LoadDotEnv(".env")
	cfg := loadConfig()

	app, err := NewApp(cfg)
	if err != nil {
		slog.Error("failed to build app", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		slog.Error("failed to start app", slog.Any("error", err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		slog.Error("error during shutdown", slog.Any("error", err))
	}
}
