package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"dungeon-agent/handler"
	"dungeon-agent/internal/bootstrap"
	"dungeon-agent/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	logger, err := bootstrap.Logger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// ---- Clients ----
	awsCfg := bootstrap.NewAWS()
	store, err := bootstrap.Store(ctx, cfg.Store, awsCfg)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	}
	defer store.Close()

	svc, closeProvider, err := bootstrap.Service(ctx, cfg, store, awsCfg, logger)
	if err != nil {
		logger.Fatal("failed to create turn service", zap.Error(err))
	}
	defer closeProvider()

	// ---- Handler ----
	h, err := handler.NewHandler(svc, handler.WithLogger(logger.Named("handler")))
	if err != nil {
		logger.Fatal("failed to create handler", zap.Error(err))
	}

	logger.Info("starting",
		zap.String("provider", cfg.Provider),
		zap.String("store", cfg.Store.Backend),
	)
	lambda.Start(h.Handle)
}
