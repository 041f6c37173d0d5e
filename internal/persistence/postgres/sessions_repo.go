// Package postgres implements the persistence interfaces against
// PostgreSQL via sqlx.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ghostlyplus/emganalyzer/internal/domain"
	"github.com/ghostlyplus/emganalyzer/internal/persistence"
)

type sessionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSessionsRepo creates a PostgreSQL-backed SessionRepo.
func NewSessionsRepo(db *sqlx.DB, timeout time.Duration) persistence.SessionRepo {
	return &sessionsRepo{db: db, timeout: timeout}
}

func (r *sessionsRepo) Create(ctx context.Context, s domain.TherapySession) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO therapy_sessions
			(id, session_code, fingerprint, bucket, object_path, patient_id, therapist_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	var id string
	err := r.db.QueryRowxContext(ctx, query,
		s.ID, s.SessionCode, s.Fingerprint, s.Bucket, s.ObjectPath, s.PatientID, s.TherapistID, s.Status,
	).Scan(&id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return "", fmt.Errorf("session already exists for this fingerprint or code: %w", err)
		}
		return "", fmt.Errorf("failed to insert therapy session: %w", err)
	}
	return id, nil
}

func (r *sessionsRepo) GetByID(ctx context.Context, id string) (*domain.TherapySession, error) {
	return r.getOne(ctx, "id", id)
}

func (r *sessionsRepo) GetBySessionCode(ctx context.Context, sessionCode string) (*domain.TherapySession, error) {
	return r.getOne(ctx, "session_code", sessionCode)
}

func (r *sessionsRepo) GetByFingerprint(ctx context.Context, fingerprint string) (*domain.TherapySession, error) {
	return r.getOne(ctx, "fingerprint", fingerprint)
}

func (r *sessionsRepo) getOne(ctx context.Context, column, value string) (*domain.TherapySession, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, session_code, fingerprint, bucket, object_path, patient_id, therapist_id,
		       status, created_at, updated_at, processed_at, processing_time_ms,
		       analytics_cache, cache_hits, last_accessed_at, processing_error_message
		FROM therapy_sessions WHERE %s = $1`, column)

	var s domain.TherapySession
	err := r.db.GetContext(ctx, &s, query, value)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get therapy session by %s: %w", column, err)
	}
	return &s, nil
}

// FindDuplicate looks for an existing session for the same storage object
// created within the idempotency window, used by the webhook dispatcher's
// dedup check.
func (r *sessionsRepo) FindDuplicate(ctx context.Context, bucket, objectPath string, since time.Time) (*domain.TherapySession, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		SELECT id, session_code, fingerprint, bucket, object_path, patient_id, therapist_id,
		       status, created_at, updated_at, processed_at, processing_time_ms,
		       analytics_cache, cache_hits, last_accessed_at, processing_error_message
		FROM therapy_sessions
		WHERE bucket = $1 AND object_path = $2 AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1`

	var s domain.TherapySession
	err := r.db.GetContext(ctx, &s, query, bucket, objectPath, since)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up duplicate session: %w", err)
	}
	return &s, nil
}

func (r *sessionsRepo) UpdateStatus(ctx context.Context, id string, status domain.SessionStatus, errMsg *string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		UPDATE therapy_sessions
		SET status = $1,
		    processing_error_message = $2,
		    processed_at = CASE WHEN $1 IN ('completed','failed') THEN now() ELSE processed_at END,
		    updated_at = now()
		WHERE id = $3`

	res, err := r.db.ExecContext(ctx, query, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return requireRowsAffected(res, "session not found: %s", id)
}

func (r *sessionsRepo) SetAnalyticsCache(ctx context.Context, id string, cache []byte, processingTimeMs int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		UPDATE therapy_sessions
		SET analytics_cache = $1, processing_time_ms = $2, updated_at = now()
		WHERE id = $3`

	res, err := r.db.ExecContext(ctx, query, cache, processingTimeMs, id)
	if err != nil {
		return fmt.Errorf("failed to set analytics cache: %w", err)
	}
	return requireRowsAffected(res, "session not found: %s", id)
}

func (r *sessionsRepo) TouchCacheHit(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		UPDATE therapy_sessions
		SET cache_hits = cache_hits + 1, last_accessed_at = now()
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to record cache hit: %w", err)
	}
	return requireRowsAffected(res, "session not found: %s", id)
}

func (r *sessionsRepo) ListByPatient(ctx context.Context, patientID string, limit int) ([]domain.TherapySession, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		SELECT id, session_code, fingerprint, bucket, object_path, patient_id, therapist_id,
		       status, created_at, updated_at, processed_at, processing_time_ms,
		       analytics_cache, cache_hits, last_accessed_at, processing_error_message
		FROM therapy_sessions
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	var sessions []domain.TherapySession
	if err := r.db.SelectContext(ctx, &sessions, query, patientID, limit); err != nil {
		return nil, fmt.Errorf("failed to list sessions by patient: %w", err)
	}
	return sessions, nil
}

func requireRowsAffected(res sql.Result, format, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf(format, id)
	}
	return nil
}
