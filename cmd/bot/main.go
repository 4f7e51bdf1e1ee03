package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/savplux/backpack-liquidation-limit/internal/app"
	"github.com/savplux/backpack-liquidation-limit/internal/config"
	"github.com/savplux/backpack-liquidation-limit/internal/logging"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Optional: credentials and overrides may come from a local .env.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded",
		zap.String("path", *configPath),
		zap.Int("pairs", len(cfg.Pairs)),
		zap.String("symbol", cfg.Trade.Symbol),
	)

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}
	log.Info("app initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && err != context.Canceled {
		log.Error("app terminated", zap.Error(err))
		os.Exit(1)
	}
}
