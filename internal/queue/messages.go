package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/checkin-call-engine/internal/domain"
)

// Task kinds.
const (
	TypeScheduleTick    = "schedule-tick"
	TypeProcessUserCall = "process-user-call"
)

// Queue names. Each queue is served by its own server so concurrency is independent.
const (
	QueueScheduler = "scheduler"
	QueueCalls     = "calls"
)

// CallPayload is the process-user-call task body.
type CallPayload struct {
	UserID         uuid.UUID         `json:"user_id"`
	PhoneNumber    string            `json:"phone_number"`
	Name           string            `json:"name"`
	TimeZone       string            `json:"time_zone"`
	CallTime       string            `json:"call_time,omitempty"`
	RetryCount     int               `json:"retry_count"`
	OriginalCallID *uuid.UUID        `json:"original_call_id,omitempty"`
	Source         domain.CallSource `json:"source"`
	Day            string            `json:"day,omitempty"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
}

// TickPayload is the schedule-tick task body. It is empty so that
// uniqueness applies across all scheduler instances.
type TickPayload struct{}

// OutcomeMessage is published when a call record reaches a terminal status.
type OutcomeMessage struct {
	CallID          uuid.UUID         `json:"call_id"`
	UserID          uuid.UUID         `json:"user_id"`
	Status          domain.CallStatus `json:"status"`
	Vendor          string            `json:"vendor"`
	VendorCallID    string            `json:"vendor_call_id,omitempty"`
	RetryCount      int               `json:"retry_count"`
	ParentCallID    *uuid.UUID        `json:"parent_call_id,omitempty"`
	DurationSeconds *int              `json:"duration_seconds,omitempty"`
	HasTranscript   bool              `json:"has_transcript"`
	OccurredAt      time.Time         `json:"occurred_at"`
}

// NewOutcomeMessage builds an outcome message from a record.
func NewOutcomeMessage(rec *domain.CallRecord, now time.Time) OutcomeMessage {
	msg := OutcomeMessage{
		CallID:          rec.ID,
		UserID:          rec.UserID,
		Status:          rec.Status,
		Vendor:          rec.Vendor,
		RetryCount:      rec.RetryCount,
		ParentCallID:    rec.ParentCallID,
		DurationSeconds: rec.DurationSeconds,
		HasTranscript:   rec.Transcript != nil && *rec.Transcript != "",
		OccurredAt:      now,
	}
	if rec.VendorCallID != nil {
		msg.VendorCallID = *rec.VendorCallID
	}
	return msg
}
