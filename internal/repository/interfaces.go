package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/acme/checkin-call-engine/internal/domain"
	apperrors "github.com/acme/checkin-call-engine/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CallRecordStore persists call records. It is the single source of truth for call state.
type CallRecordStore interface {
	// Create inserts a new record. A second active first attempt for the same
	// user and day fails with ErrConflict.
	Create(ctx context.Context, record *domain.CallRecord) error
	Get(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error)
	GetByVendorCallID(ctx context.Context, vendor, vendorCallID string) (*domain.CallRecord, error)
	ListForUserOnDay(ctx context.Context, userID uuid.UUID, day string) ([]domain.CallRecord, error)
	Update(ctx context.Context, record *domain.CallRecord) error
	HasRetryChild(ctx context.Context, parentID uuid.UUID) (bool, error)
}

// ProfileStore reads user call profiles.
type ProfileStore interface {
	// ListCallable returns enabled profiles that have a phone number.
	ListCallable(ctx context.Context) ([]domain.UserCallProfile, error)
	Get(ctx context.Context, userID uuid.UUID) (*domain.UserCallProfile, error)
}

// CallEventLog stores raw vendor payloads for audit.
type CallEventLog interface {
	Append(ctx context.Context, event domain.CallEvent) error
	List(ctx context.Context, callID uuid.UUID, limit int) ([]domain.CallEvent, error)
}

// HasActiveCall reports whether any record blocks another first attempt.
func HasActiveCall(records []domain.CallRecord) bool {
	for _, r := range records {
		if r.Status.Active() {
			return true
		}
	}
	return false
}

// NopEventLog discards events.
type NopEventLog struct{}

func (NopEventLog) Append(context.Context, domain.CallEvent) error { return nil }

func (NopEventLog) List(context.Context, uuid.UUID, int) ([]domain.CallEvent, error) {
	return nil, nil
}
