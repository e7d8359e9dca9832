package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/repository"
)

// ProfileRepository reads call settings from the users table.
type ProfileRepository struct {
	db *sqlx.DB
}

// NewProfileRepository constructs a new repository.
func NewProfileRepository(db *sqlx.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// ListCallable returns enabled users with a phone number.
func (r *ProfileRepository) ListCallable(ctx context.Context) ([]domain.UserCallProfile, error) {
	q := `SELECT id, phone_number, display_name, timezone, call_time::text AS call_time, calls_enabled
	  FROM users
	 WHERE calls_enabled = TRUE
	   AND phone_number IS NOT NULL
	   AND phone_number <> ''
	 ORDER BY id`

	rows, err := r.db.QueryxContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("profile repo: list callable: %w", err)
	}
	defer rows.Close()

	var profiles []domain.UserCallProfile
	for rows.Next() {
		var rec profileRow
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("profile repo: scan: %w", err)
		}
		profiles = append(profiles, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile repo: rows: %w", err)
	}
	return profiles, nil
}

// Get returns a single profile regardless of enablement.
func (r *ProfileRepository) Get(ctx context.Context, userID uuid.UUID) (*domain.UserCallProfile, error) {
	q := `SELECT id, phone_number, display_name, timezone, call_time::text AS call_time, calls_enabled
	  FROM users WHERE id = $1`

	var rec profileRow
	if err := r.db.QueryRowxContext(ctx, q, userID).StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("profile repo: get: %w", err)
	}
	profile := rec.toDomain()
	return &profile, nil
}

type profileRow struct {
	ID          uuid.UUID      `db:"id"`
	PhoneNumber sql.NullString `db:"phone_number"`
	Name        sql.NullString `db:"display_name"`
	TimeZone    sql.NullString `db:"timezone"`
	CallTime    sql.NullString `db:"call_time"`
	Enabled     bool           `db:"calls_enabled"`
}

func (r profileRow) toDomain() domain.UserCallProfile {
	return domain.UserCallProfile{
		ID:          r.ID,
		PhoneNumber: r.PhoneNumber.String,
		Name:        r.Name.String,
		TimeZone:    r.TimeZone.String,
		CallTime:    r.CallTime.String,
		Enabled:     r.Enabled,
	}
}
