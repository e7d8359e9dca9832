package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/checkin-call-engine/internal/auth"
	"github.com/acme/checkin-call-engine/internal/domain"
)

const defaultEventLimit = 100

type callNowResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	CallID  string `json:"call_id,omitempty"`
}

type callResponse struct {
	ID              uuid.UUID         `json:"id"`
	UserID          uuid.UUID         `json:"user_id"`
	Status          domain.CallStatus `json:"status"`
	Vendor          string            `json:"vendor"`
	VendorCallID    *string           `json:"vendor_call_id,omitempty"`
	RetryCount      int               `json:"retry_count"`
	ParentCallID    *uuid.UUID        `json:"parent_call_id,omitempty"`
	Source          domain.CallSource `json:"source"`
	CallDay         string            `json:"call_day"`
	Transcript      *string           `json:"transcript,omitempty"`
	RecordingURL    *string           `json:"recording_url,omitempty"`
	DurationSeconds *int              `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StatusChangedAt time.Time         `json:"status_changed_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

type eventResponse struct {
	Source       string            `json:"source"`
	Status       domain.CallStatus `json:"status,omitempty"`
	VendorStatus string            `json:"vendor_status,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

func (h *HandlerSet) callNow(ctx *fiber.Ctx) error {
	userID, err := auth.UserID(ctx)
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}

	res, err := h.deps.Dispatcher.DispatchForUser(ctx.UserContext(), userID)
	if err != nil {
		return translateError(err)
	}

	resp := callNowResponse{Success: res.Success, Message: res.Message}
	if res.CallID != uuid.Nil {
		resp.CallID = res.CallID.String()
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	record, err := h.ownedCall(ctx)
	if err != nil {
		return err
	}
	return ctx.Status(http.StatusOK).JSON(toCallResponse(record))
}

func (h *HandlerSet) callEvents(ctx *fiber.Ctx) error {
	record, err := h.ownedCall(ctx)
	if err != nil {
		return err
	}

	limit := ctx.QueryInt("limit", defaultEventLimit)
	if limit <= 0 || limit > 1000 {
		limit = defaultEventLimit
	}
	events, err := h.deps.Events.List(ctx.UserContext(), record.ID, limit)
	if err != nil {
		return translateError(err)
	}

	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		item := eventResponse{
			Source:       e.Source,
			Status:       e.Status,
			VendorStatus: e.VendorStatus,
			OccurredAt:   e.OccurredAt,
		}
		if json.Valid(e.Payload) {
			item.Payload = e.Payload
		}
		out = append(out, item)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"call_id": record.ID, "events": out})
}

// ownedCall loads the call in the path. Calls belonging to someone else are
// reported as missing.
func (h *HandlerSet) ownedCall(ctx *fiber.Ctx) (*domain.CallRecord, error) {
	userID, err := auth.UserID(ctx)
	if err != nil {
		return nil, fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return nil, fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	record, err := h.deps.Calls.Get(ctx.UserContext(), id)
	if err != nil {
		return nil, translateError(err)
	}
	if record.UserID != userID {
		return nil, fiber.NewError(http.StatusNotFound, "resource not found")
	}
	return record, nil
}

func toCallResponse(call *domain.CallRecord) callResponse {
	return callResponse{
		ID:              call.ID,
		UserID:          call.UserID,
		Status:          call.Status,
		Vendor:          call.Vendor,
		VendorCallID:    call.VendorCallID,
		RetryCount:      call.RetryCount,
		ParentCallID:    call.ParentCallID,
		Source:          call.Source,
		CallDay:         call.CallDay,
		Transcript:      call.Transcript,
		RecordingURL:    call.RecordingURL,
		DurationSeconds: call.DurationSeconds,
		CreatedAt:       call.CreatedAt,
		StatusChangedAt: call.StatusChangedAt,
		CompletedAt:     call.CompletedAt,
	}
}
