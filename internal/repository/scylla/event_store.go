package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/checkin-call-engine/internal/domain"
)

const createEventsTable = `CREATE TABLE IF NOT EXISTS call_events (
	call_id text,
	event_id timeuuid,
	source text,
	status text,
	vendor_status text,
	payload text,
	occurred_at timestamp,
	PRIMARY KEY ((call_id), event_id)
) WITH CLUSTERING ORDER BY (event_id ASC)`

// EventStore persists raw vendor payloads per call in Scylla.
type EventStore struct {
	session *gocql.Session
	ttl     time.Duration
}

// NewEventStore creates a new event store. Rows expire after ttl when it is positive.
func NewEventStore(session *gocql.Session, ttl time.Duration) *EventStore {
	return &EventStore{session: session, ttl: ttl}
}

// EnsureSchema creates the events table when missing.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	if err := s.session.Query(createEventsTable).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("event store: create table: %w", err)
	}
	return nil
}

// Append inserts an event.
func (s *EventStore) Append(ctx context.Context, event domain.CallEvent) error {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	q := `INSERT INTO call_events (call_id, event_id, source, status, vendor_status, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		event.CallID.String(), gocql.UUIDFromTime(occurred), event.Source, string(event.Status),
		event.VendorStatus, string(event.Payload), occurred,
	}
	if s.ttl > 0 {
		q += ` USING TTL ?`
		args = append(args, int(s.ttl/time.Second))
	}

	if err := s.session.Query(q, args...).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("event store: append: %w", err)
	}
	return nil
}

// List returns up to limit events for a call, oldest first.
func (s *EventStore) List(ctx context.Context, callID uuid.UUID, limit int) ([]domain.CallEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := s.session.Query(`SELECT source, status, vendor_status, payload, occurred_at
		FROM call_events WHERE call_id = ? LIMIT ?`, callID.String(), limit).WithContext(ctx).Iter()

	var (
		source       string
		status       string
		vendorStatus string
		payload      string
		occurred     time.Time
	)

	events := make([]domain.CallEvent, 0, limit)
	for iter.Scan(&source, &status, &vendorStatus, &payload, &occurred) {
		events = append(events, domain.CallEvent{
			CallID:       callID,
			Source:       source,
			Status:       domain.CallStatus(status),
			VendorStatus: vendorStatus,
			Payload:      []byte(payload),
			OccurredAt:   occurred,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("event store: iter close: %w", err)
	}
	return events, nil
}
