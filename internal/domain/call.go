package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle stages for an individual call.
type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
)

// AllCallStatuses lists every canonical status.
var AllCallStatuses = []CallStatus{
	CallStatusQueued,
	CallStatusRinging,
	CallStatusInProgress,
	CallStatusCompleted,
	CallStatusFailed,
	CallStatusNoAnswer,
	CallStatusBusy,
}

// ActiveCallStatuses are the statuses that count against the one-call-per-day rule.
var ActiveCallStatuses = []CallStatus{
	CallStatusQueued,
	CallStatusRinging,
	CallStatusInProgress,
	CallStatusCompleted,
}

// Valid reports whether s is a canonical status.
func (s CallStatus) Valid() bool {
	return s.rank() >= 0
}

// Terminal reports whether no further status change is expected.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy:
		return true
	}
	return false
}

// Active reports whether s blocks another first attempt on the same day.
func (s CallStatus) Active() bool {
	switch s {
	case CallStatusQueued, CallStatusRinging, CallStatusInProgress, CallStatusCompleted:
		return true
	}
	return false
}

// Retryable reports whether a record in status s may spawn a business retry.
func (s CallStatus) Retryable() bool {
	switch s {
	case CallStatusFailed, CallStatusNoAnswer, CallStatusBusy:
		return true
	}
	return false
}

// SetsCompletedAt reports whether entering s stamps the completion time.
func (s CallStatus) SetsCompletedAt() bool {
	return s == CallStatusCompleted || s == CallStatusFailed
}

// Supersedes reports whether moving from current to s is a forward transition.
// Terminal statuses are final; everything else only moves forward.
func (s CallStatus) Supersedes(current CallStatus) bool {
	if !s.Valid() || current.Terminal() {
		return false
	}
	return s.rank() > current.rank()
}

func (s CallStatus) rank() int {
	switch s {
	case CallStatusQueued:
		return 0
	case CallStatusRinging:
		return 1
	case CallStatusInProgress:
		return 2
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy:
		return 3
	}
	return -1
}

// CallSource records what created a call record.
type CallSource string

const (
	CallSourceScheduler CallSource = "scheduler"
	CallSourceRetry     CallSource = "retry"
	CallSourceManual    CallSource = "manual"
)

// CallRecord is a single call attempt and its lifecycle state.
type CallRecord struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	PhoneNumber     string
	UserName        string
	TimeZone        string
	CallDay         string
	Vendor          string
	VendorCallID    *string
	AgentID         string
	VendorPayload   json.RawMessage
	Status          CallStatus
	RetryCount      int
	ParentCallID    *uuid.UUID
	Source          CallSource
	Transcript      *string
	RecordingURL    *string
	DurationSeconds *int
	CreatedAt       time.Time
	StatusChangedAt time.Time
	CompletedAt     *time.Time
}

// SetStatus moves the record to status at now, stamping completion where required.
func (r *CallRecord) SetStatus(status CallStatus, now time.Time) {
	r.Status = status
	r.StatusChangedAt = now
	if status.SetsCompletedAt() && r.CompletedAt == nil {
		t := now
		r.CompletedAt = &t
	}
}

// CallEvent is an append-only audit entry for a vendor interaction.
type CallEvent struct {
	CallID       uuid.UUID
	Source       string
	Status       CallStatus
	VendorStatus string
	Payload      []byte
	OccurredAt   time.Time
}

// Audit event sources.
const (
	EventSourceDispatch = "dispatch"
	EventSourceWebhook  = "webhook"
)
