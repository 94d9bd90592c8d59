package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/kamino-stepup/internal/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// FailureCounter records failed verification attempts per user for the
// sliding-window lockout
type FailureCounter interface {
	// RecordFailure stores a failure at the given time unless limit failures
	// already fall inside (at-window, at]. It returns the failures in that
	// window afterwards and whether this one was stored. The check and the
	// insert are atomic per user. A limit of zero or less never refuses.
	// Entries older than window may be discarded.
	RecordFailure(ctx context.Context, userID string, at time.Time, window time.Duration, limit int) (int, bool, error)
	// Failures returns the failure times strictly after since, oldest first
	Failures(ctx context.Context, userID string, since time.Time) ([]time.Time, error)
	Reset(ctx context.Context, userID string) error
}

// MFAAttemptRepository implements FailureCounter on Postgres
type MFAAttemptRepository struct {
	db *database.DB
}

// NewMFAAttemptRepository creates a Postgres backed failure counter
func NewMFAAttemptRepository(db *database.DB) *MFAAttemptRepository {
	return &MFAAttemptRepository{db: db}
}

// RecordFailure records a failed verification attempt. A transaction scoped
// advisory lock on the user serializes concurrent callers.
func (r *MFAAttemptRepository) RecordFailure(ctx context.Context, userID string, at time.Time, window time.Duration, limit int) (int, bool, error) {
	var (
		count    int
		recorded bool
	)

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "mfa_failed_attempts:"+userID); err != nil {
			return err
		}

		err := tx.QueryRow(ctx, `
			SELECT COUNT(*)
			FROM mfa_failed_attempts
			WHERE user_id = $1 AND attempted_at > $2 AND attempted_at <= $3
		`, userID, at.Add(-window), at).Scan(&count)
		if err != nil {
			return err
		}
		if limit > 0 && count >= limit {
			return nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO mfa_failed_attempts (id, user_id, attempted_at)
			VALUES ($1, $2, $3)
		`, uuid.New().String(), userID, at)
		if err != nil {
			return err
		}
		count++
		recorded = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to record MFA attempt: %w", err)
	}

	return count, recorded, nil
}

// Failures retrieves failed attempt times for a user since the given time
func (r *MFAAttemptRepository) Failures(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	query := `
		SELECT attempted_at
		FROM mfa_failed_attempts
		WHERE user_id = $1 AND attempted_at > $2
		ORDER BY attempted_at ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed attempts: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("failed to scan failed attempt: %w", err)
		}
		out = append(out, at)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read failed attempts: %w", err)
	}

	return out, nil
}

// Reset clears a user's failures after a successful verification
func (r *MFAAttemptRepository) Reset(ctx context.Context, userID string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM mfa_failed_attempts WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to reset MFA attempts: %w", err)
	}
	return nil
}

// DeleteExpiredAttempts deletes attempts older than the threshold
func (r *MFAAttemptRepository) DeleteExpiredAttempts(ctx context.Context, threshold time.Time) (int64, error) {
	query := `DELETE FROM mfa_failed_attempts WHERE attempted_at < $1`

	tag, err := r.db.Pool.Exec(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired MFA attempts: %w", err)
	}

	return tag.RowsAffected(), nil
}
