package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/app"
	"github.com/acme/checkin-call-engine/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	once := flag.Bool("once", false, "run a single eligibility tick in-process and exit")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())
	lg := container.Logger

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-scheduler")
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if *once {
		res, err := container.Services().Scheduler.Tick(ctx)
		if err != nil {
			lg.Fatal("tick failed", zap.Error(err))
		}
		lg.Info("tick complete", zap.Int("enqueued", res.Enqueued), zap.Int("duplicates", res.Duplicates))
		return
	}

	recurring := container.Recurring()
	if err := recurring.Run(ctx); err != nil {
		lg.Fatal("scheduler terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
