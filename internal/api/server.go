package api

import (
	"context"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/acme/checkin-call-engine/internal/api/handlers"
	"github.com/acme/checkin-call-engine/internal/config"
	"github.com/acme/checkin-call-engine/internal/telemetry"
)

// Server wraps the Fiber application.
type Server struct {
	app      *fiber.App
	cfg      config.HTTPConfig
	handlers *handlers.HandlerSet
}

// NewServer constructs a new HTTP server.
func NewServer(cfg config.HTTPConfig, appName string, handlerSet *handlers.HandlerSet) *Server {
	fcfg := fiber.Config{
		AppName:               appName,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		ErrorHandler:          handlerSet.ErrorHandler,
		JSONEncoder:           gojson.Marshal,
		JSONDecoder:           gojson.Unmarshal,
		DisableStartupMessage: true,
	}
	if cfg.BodyLimit > 0 {
		fcfg.BodyLimit = cfg.BodyLimit
	}

	app := fiber.New(fcfg)
	app.Use(otelfiber.Middleware())
	app.Get("/metrics", adaptor.HTTPHandler(telemetry.Handler()))
	handlerSet.Register(app)

	return &Server{app: app, cfg: cfg, handlers: handlerSet}
}

// App exposes the underlying fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
