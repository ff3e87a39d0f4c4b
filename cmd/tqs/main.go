package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tqs-project/tqs/internal/app"
	"github.com/tqs-project/tqs/internal/config"
)

func main() {
	port := flag.Int("port", 0, "listen port (overrides TQS_PORT)")
	database := flag.String("database", "", "postgres DSN (overrides TQS_DATABASE)")
	apiToken := flag.String("api-token", "", "static API token required on every request (overrides TQS_API_TOKEN)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	if *port != 0 {
		cfg.Port = *port
	}
	if *database != "" {
		cfg.DatabaseURL = *database
	}
	if *apiToken != "" {
		cfg.APIToken = *apiToken
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
