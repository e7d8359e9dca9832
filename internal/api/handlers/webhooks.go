package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// voiceWebhook hands the raw body to the reconciler. The body must not be
// re-encoded before signature verification.
func (h *HandlerSet) voiceWebhook(ctx *fiber.Ctx) error {
	raw := append([]byte(nil), ctx.Body()...)
	signature := ctx.Get(h.deps.Webhooks.SignatureHeader())

	ack, err := h.deps.Webhooks.Handle(ctx.UserContext(), raw, signature)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(ack)
}
