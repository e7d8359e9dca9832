package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/api"
	"github.com/acme/checkin-call-engine/internal/app"
	"github.com/acme/checkin-call-engine/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())
	lg := container.Logger

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-api")
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if container.Config.Postgres.AutoMigrate {
		if err := container.Migrate(ctx); err != nil {
			lg.Fatal("failed to migrate postgres", zap.Error(err))
		}
	}
	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	handlerSet, err := container.HandlerSet()
	if err != nil {
		lg.Fatal("failed to build handlers", zap.Error(err))
	}
	server := api.NewServer(container.Config.HTTP, container.Config.App.Name, handlerSet)

	lg.Info("api listening", zap.Int("port", container.Config.HTTP.Port), zap.String("vendor", container.Provider.Name()))
	if err := server.Start(ctx); err != nil {
		lg.Fatal("server terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
