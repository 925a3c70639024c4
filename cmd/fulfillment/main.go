package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/logger"

	"github.com/foodshare/fulfillment/internal/app"
	"github.com/foodshare/fulfillment/internal/config"
	"github.com/foodshare/fulfillment/internal/server"
)

func main() {
	defer logger.Init("fulfillment", true, false, io.Discard).Close()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Error loading config: %v", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		logger.Fatalf("Error wiring services: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.Start(ctx)

	srv := server.NewServer(a.Services, cfg)
	if err := srv.Run(ctx); err != nil {
		logger.Errorf("Server stopped: %v", err)
	}
	stop()
	a.Close()
}
