package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/repository"
)

const uniqueViolation = "23505"

const callRecordColumns = `id, user_id, phone_number, user_name, time_zone, call_day, vendor, vendor_call_id,
	agent_id, vendor_payload, status, retry_count, parent_call_id, source, transcript, recording_url,
	duration_seconds, created_at, status_changed_at, completed_at`

// CallRecordRepository implements repository.CallRecordStore using PostgreSQL.
type CallRecordRepository struct {
	db *sqlx.DB
}

// NewCallRecordRepository constructs a new repository.
func NewCallRecordRepository(db *sqlx.DB) *CallRecordRepository {
	return &CallRecordRepository{db: db}
}

// Create inserts a new call record.
func (r *CallRecordRepository) Create(ctx context.Context, record *domain.CallRecord) error {
	q := `INSERT INTO call_records (
		id, user_id, phone_number, user_name, time_zone, call_day, vendor, vendor_call_id,
		agent_id, vendor_payload, status, retry_count, parent_call_id, source,
		created_at, status_changed_at
	) VALUES (
		:id, :user_id, :phone_number, :user_name, :time_zone, :call_day, :vendor, :vendor_call_id,
		:agent_id, :vendor_payload, :status, :retry_count, :parent_call_id, :source,
		:created_at, :status_changed_at
	)`

	params := map[string]any{
		"id":                record.ID,
		"user_id":           record.UserID,
		"phone_number":      record.PhoneNumber,
		"user_name":         record.UserName,
		"time_zone":         record.TimeZone,
		"call_day":          record.CallDay,
		"vendor":            record.Vendor,
		"vendor_call_id":    record.VendorCallID,
		"agent_id":          record.AgentID,
		"vendor_payload":    payloadParam(record.VendorPayload),
		"status":            string(record.Status),
		"retry_count":       record.RetryCount,
		"parent_call_id":    record.ParentCallID,
		"source":            string(record.Source),
		"created_at":        record.CreatedAt,
		"status_changed_at": record.StatusChangedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("call record repo: insert: %w", repository.ErrConflict)
		}
		return fmt.Errorf("call record repo: insert: %w", err)
	}
	return nil
}

// Get fetches a record by id.
func (r *CallRecordRepository) Get(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error) {
	q := `SELECT ` + callRecordColumns + ` FROM call_records WHERE id = $1`
	return r.getOne(ctx, "get", q, id)
}

// GetByVendorCallID fetches the record a vendor webhook refers to.
func (r *CallRecordRepository) GetByVendorCallID(ctx context.Context, vendor, vendorCallID string) (*domain.CallRecord, error) {
	q := `SELECT ` + callRecordColumns + ` FROM call_records WHERE vendor = $1 AND vendor_call_id = $2`
	return r.getOne(ctx, "get by vendor id", q, vendor, vendorCallID)
}

// ListForUserOnDay returns every record for the user on the given local day.
func (r *CallRecordRepository) ListForUserOnDay(ctx context.Context, userID uuid.UUID, day string) ([]domain.CallRecord, error) {
	q := `SELECT ` + callRecordColumns + ` FROM call_records
	 WHERE user_id = $1 AND call_day = $2
	 ORDER BY created_at`

	rows, err := r.db.QueryxContext(ctx, q, userID, day)
	if err != nil {
		return nil, fmt.Errorf("call record repo: list for day: %w", err)
	}
	defer rows.Close()

	var records []domain.CallRecord
	for rows.Next() {
		var rec callRecordRow
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("call record repo: scan: %w", err)
		}
		records = append(records, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call record repo: rows: %w", err)
	}
	return records, nil
}

// Update persists the mutable fields of a record.
func (r *CallRecordRepository) Update(ctx context.Context, record *domain.CallRecord) error {
	q := `UPDATE call_records SET
		vendor_call_id = :vendor_call_id,
		vendor_payload = :vendor_payload,
		status = :status,
		transcript = :transcript,
		recording_url = :recording_url,
		duration_seconds = :duration_seconds,
		status_changed_at = :status_changed_at,
		completed_at = :completed_at
	 WHERE id = :id`

	params := map[string]any{
		"id":                record.ID,
		"vendor_call_id":    record.VendorCallID,
		"vendor_payload":    payloadParam(record.VendorPayload),
		"status":            string(record.Status),
		"transcript":        record.Transcript,
		"recording_url":     record.RecordingURL,
		"duration_seconds":  record.DurationSeconds,
		"status_changed_at": record.StatusChangedAt,
		"completed_at":      record.CompletedAt,
	}

	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("call record repo: update: %w", repository.ErrConflict)
		}
		return fmt.Errorf("call record repo: update: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call record repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// HasRetryChild reports whether a retry record already follows parentID.
func (r *CallRecordRepository) HasRetryChild(ctx context.Context, parentID uuid.UUID) (bool, error) {
	var exists bool
	q := `SELECT EXISTS (SELECT 1 FROM call_records WHERE parent_call_id = $1)`
	if err := r.db.GetContext(ctx, &exists, q, parentID); err != nil {
		return false, fmt.Errorf("call record repo: has retry child: %w", err)
	}
	return exists, nil
}

func (r *CallRecordRepository) getOne(ctx context.Context, op, q string, args ...any) (*domain.CallRecord, error) {
	var rec callRecordRow
	if err := r.db.QueryRowxContext(ctx, q, args...).StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call record repo: %s: %w", op, err)
	}
	record := rec.toDomain()
	return &record, nil
}

func payloadParam(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

type callRecordRow struct {
	ID              uuid.UUID      `db:"id"`
	UserID          uuid.UUID      `db:"user_id"`
	PhoneNumber     string         `db:"phone_number"`
	UserName        string         `db:"user_name"`
	TimeZone        string         `db:"time_zone"`
	CallDay         time.Time      `db:"call_day"`
	Vendor          string         `db:"vendor"`
	VendorCallID    sql.NullString `db:"vendor_call_id"`
	AgentID         string         `db:"agent_id"`
	VendorPayload   []byte         `db:"vendor_payload"`
	Status          string         `db:"status"`
	RetryCount      int            `db:"retry_count"`
	ParentCallID    uuid.NullUUID  `db:"parent_call_id"`
	Source          string         `db:"source"`
	Transcript      sql.NullString `db:"transcript"`
	RecordingURL    sql.NullString `db:"recording_url"`
	DurationSeconds sql.NullInt32  `db:"duration_seconds"`
	CreatedAt       time.Time      `db:"created_at"`
	StatusChangedAt time.Time      `db:"status_changed_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
}

func (r callRecordRow) toDomain() domain.CallRecord {
	rec := domain.CallRecord{
		ID:              r.ID,
		UserID:          r.UserID,
		PhoneNumber:     r.PhoneNumber,
		UserName:        r.UserName,
		TimeZone:        r.TimeZone,
		CallDay:         r.CallDay.Format(domain.DayLayout),
		Vendor:          r.Vendor,
		AgentID:         r.AgentID,
		VendorPayload:   json.RawMessage(r.VendorPayload),
		Status:          domain.CallStatus(r.Status),
		RetryCount:      r.RetryCount,
		Source:          domain.CallSource(r.Source),
		CreatedAt:       r.CreatedAt,
		StatusChangedAt: r.StatusChangedAt,
	}
	if r.VendorCallID.Valid {
		v := r.VendorCallID.String
		rec.VendorCallID = &v
	}
	if r.ParentCallID.Valid {
		id := r.ParentCallID.UUID
		rec.ParentCallID = &id
	}
	if r.Transcript.Valid {
		v := r.Transcript.String
		rec.Transcript = &v
	}
	if r.RecordingURL.Valid {
		v := r.RecordingURL.String
		rec.RecordingURL = &v
	}
	if r.DurationSeconds.Valid {
		v := int(r.DurationSeconds.Int32)
		rec.DurationSeconds = &v
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		rec.CompletedAt = &t
	}
	return rec
}
