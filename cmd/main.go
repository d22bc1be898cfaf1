package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"aha-chat/handler"
	"aha-chat/internal/app"
	"aha-chat/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration ----
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := cfg.NewJSONLogger(os.Stderr)
	slog.SetDefault(logger)

	// Concurrent invocations land on different execution environments, so
	// browser sessions have to live in the state table.
	if cfg.StateTable == "" {
		logger.Error("STATE_TABLE is required for the Lambda entrypoint")
		os.Exit(1)
	}

	// ---- Clients ----
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build application", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	var opts []handler.Option
	if a.State != nil {
		opts = append(opts, handler.WithActivity(a.State))
	}
	h, err := handler.NewHandler(a.Registry, logger, opts...)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
