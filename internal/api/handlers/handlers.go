package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/auth"
	"github.com/acme/checkin-call-engine/internal/repository"
	callsvc "github.com/acme/checkin-call-engine/internal/service/call"
	"github.com/acme/checkin-call-engine/internal/service/webhook"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// WebhookHandler applies vendor callbacks.
type WebhookHandler interface {
	SignatureHeader() string
	Handle(ctx context.Context, raw []byte, signature string) (webhook.Ack, error)
}

// ManualDispatcher places an immediate call for a user.
type ManualDispatcher interface {
	DispatchForUser(ctx context.Context, userID uuid.UUID) (callsvc.Result, error)
}

// HealthCheck pings one dependency.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Webhooks   WebhookHandler
	Dispatcher ManualDispatcher
	Calls      repository.CallRecordStore
	Events     repository.CallEventLog
	Auth       *auth.Verifier
	Checks     []HealthCheck
	Logger     *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	deps Deps
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	if deps.Events == nil {
		deps.Events = repository.NopEventLog{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	return &HandlerSet{deps: deps}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)
	app.Post("/webhooks/voice", h.voiceWebhook)

	v1 := app.Group("/api/v1")
	if h.deps.Auth != nil {
		v1.Use(h.deps.Auth.Middleware())
	}

	calls := v1.Group("/calls")
	calls.Post("/now", h.callNow)
	calls.Get("/:id", h.getCall)
	calls.Get("/:id/events", h.callEvents)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	err = translateError(err)

	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.deps.Logger.WithContext(ctx.UserContext()).Error("request failed",
			zap.String("path", ctx.Path()),
			zap.Error(err),
		)
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for _, check := range h.deps.Checks {
		if err := check.Ping(healthCtx); err != nil {
			errs[check.Name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
