package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/kamino-stepup/internal/database"
	"github.com/BradenHooton/kamino-stepup/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionRepository persists MFA sessions keyed by token hash
type SessionRepository interface {
	Create(ctx context.Context, session *models.MFASession) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.MFASession, error)
	// Revoke marks a session revoked. Revoking an unknown or already revoked
	// session is not an error.
	Revoke(ctx context.Context, tokenHash, reason string) error
	RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error)
	// GetLatestActive returns the most recently created unrevoked, unexpired
	// session for the user. An empty clientAddress matches any binding.
	GetLatestActive(ctx context.Context, userID, clientAddress string, now time.Time) (*models.MFASession, error)
	// DeleteExpired removes sessions that expired or were revoked before cutoff
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type SessionRepositoryImpl struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(db *database.DB) *SessionRepositoryImpl {
	return &SessionRepositoryImpl{pool: db.Pool}
}

const sessionColumns = `id, token_hash, user_id, bound_address, created_at, expires_at, revoked, revoked_at, revoke_reason`

func scanSession(row pgx.Row) (*models.MFASession, error) {
	s := &models.MFASession{}
	err := row.Scan(
		&s.ID,
		&s.TokenHash,
		&s.UserID,
		&s.BoundAddress,
		&s.CreatedAt,
		&s.ExpiresAt,
		&s.Revoked,
		&s.RevokedAt,
		&s.RevokeReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// Create inserts a new session
func (r *SessionRepositoryImpl) Create(ctx context.Context, session *models.MFASession) error {
	query := `
		INSERT INTO mfa_sessions (id, token_hash, user_id, bound_address, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		session.ID,
		session.TokenHash,
		session.UserID,
		session.BoundAddress,
		session.CreatedAt,
		session.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create MFA session: %w", database.MapPostgresError(err))
	}

	return nil
}

// GetByTokenHash looks up a session by the hash of its token
func (r *SessionRepositoryImpl) GetByTokenHash(ctx context.Context, tokenHash string) (*models.MFASession, error) {
	query := `SELECT ` + sessionColumns + ` FROM mfa_sessions WHERE token_hash = $1`

	s, err := scanSession(r.pool.QueryRow(ctx, query, tokenHash))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get MFA session: %w", err)
	}

	return s, nil
}

// Revoke marks a single session revoked, keeping the first revoke reason
func (r *SessionRepositoryImpl) Revoke(ctx context.Context, tokenHash, reason string) error {
	query := `
		UPDATE mfa_sessions
		SET revoked = TRUE, revoked_at = NOW(), revoke_reason = $2
		WHERE token_hash = $1 AND revoked = FALSE
	`

	if _, err := r.pool.Exec(ctx, query, tokenHash, reason); err != nil {
		return fmt.Errorf("failed to revoke MFA session: %w", err)
	}

	return nil
}

// RevokeAllForUser revokes every live session a user holds
func (r *SessionRepositoryImpl) RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error) {
	query := `
		UPDATE mfa_sessions
		SET revoked = TRUE, revoked_at = NOW(), revoke_reason = $2
		WHERE user_id = $1 AND revoked = FALSE
	`

	tag, err := r.pool.Exec(ctx, query, userID, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user MFA sessions: %w", err)
	}

	return tag.RowsAffected(), nil
}

// GetLatestActive returns the newest usable session for a user
func (r *SessionRepositoryImpl) GetLatestActive(ctx context.Context, userID, clientAddress string, now time.Time) (*models.MFASession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM mfa_sessions
		WHERE user_id = $1
		  AND revoked = FALSE
		  AND expires_at > $2
		  AND ($3::text = '' OR bound_address = $3)
		ORDER BY created_at DESC
		LIMIT 1
	`

	s, err := scanSession(r.pool.QueryRow(ctx, query, userID, now, clientAddress))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get active MFA session: %w", err)
	}

	return s, nil
}

// DeleteExpired purges dead sessions
func (r *SessionRepositoryImpl) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM mfa_sessions
		WHERE expires_at < $1 OR (revoked = TRUE AND revoked_at < $1)
	`

	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired MFA sessions: %w", err)
	}

	return tag.RowsAffected(), nil
}
