package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dealroom/internal/app"
	"dealroom/internal/config"
	"dealroom/internal/util"
)

func main() {
	cfg, err := config.Load(os.Getenv("DEALROOM_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	core, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to init app", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := core.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
