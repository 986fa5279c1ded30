// Command kokoro runs the kokoro memory backend.
//
// All configuration comes from environment variables (see internal/config);
// a .env file in the working directory is loaded in development. The process
// exits 0 on SIGINT/SIGTERM after a graceful drain and 1 on startup or
// serve failure.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashita-ai/kokoro"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := kokoro.New(kokoro.WithVersion(version))
	if err != nil {
		slog.Error("startup failed", "error", err)
		return 1
	}
	if err := app.Run(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}
