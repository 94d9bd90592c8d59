package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/kamino-stepup/internal/database"
	"github.com/BradenHooton/kamino-stepup/internal/models"
	"github.com/jackc/pgx/v5"
)

// SecretRepository persists TOTP secrets and backup codes
type SecretRepository interface {
	// SavePending stores secret as the user's pending secret, replacing any
	// previous pending secret. The confirmed secret is untouched.
	SavePending(ctx context.Context, secret *models.MFASecret) error
	GetPending(ctx context.Context, userID string) (*models.MFASecret, error)
	GetConfirmed(ctx context.Context, userID string) (*models.MFASecret, error)
	// Promote atomically replaces the confirmed secret and all backup codes
	// with the pending secret identified by pendingNonce and the given code
	// hashes, stamping confirmedAt. Returns models.ErrNotFound if that
	// pending secret is gone.
	Promote(ctx context.Context, userID string, pendingNonce []byte, counter int64, salt []byte, codeHashes []string, confirmedAt time.Time) error
	// AdvanceCounter records counter as used if it is strictly greater than
	// the last accepted counter of the confirmed secret identified by nonce.
	AdvanceCounter(ctx context.Context, userID string, nonce []byte, counter int64) (bool, error)
	// ConsumeBackupCode marks an unused code consumed at the given time.
	// False if no unused code with that hash exists.
	ConsumeBackupCode(ctx context.Context, userID, codeHash string, at time.Time) (bool, error)
	CountUnusedBackupCodes(ctx context.Context, userID string) (int, error)
	DeleteByUserID(ctx context.Context, userID string) error
	DeleteExpiredPending(ctx context.Context, createdBefore time.Time) (int64, error)
}

// secretRepoImpl implements SecretRepository on Postgres
type secretRepoImpl struct {
	db *database.DB
}

// NewSecretRepository creates a new Postgres secret repository
func NewSecretRepository(db *database.DB) SecretRepository {
	return &secretRepoImpl{db: db}
}

// SavePending upserts the pending secret row
func (r *secretRepoImpl) SavePending(ctx context.Context, secret *models.MFASecret) error {
	query := `
		INSERT INTO mfa_secrets (user_id, confirmed, secret_encrypted, secret_nonce, created_at)
		VALUES ($1, FALSE, $2, $3, $4)
		ON CONFLICT (user_id, confirmed) DO UPDATE
		SET secret_encrypted = EXCLUDED.secret_encrypted,
		    secret_nonce     = EXCLUDED.secret_nonce,
		    created_at       = EXCLUDED.created_at,
		    last_used_counter = NULL,
		    backup_code_salt  = NULL
	`

	_, err := r.db.Pool.Exec(ctx, query,
		secret.UserID,
		secret.SecretEncrypted,
		secret.SecretNonce,
		secret.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save pending secret: %w", database.MapPostgresError(err))
	}

	return nil
}

// GetPending retrieves the pending secret for a user
func (r *secretRepoImpl) GetPending(ctx context.Context, userID string) (*models.MFASecret, error) {
	return r.get(ctx, userID, false)
}

// GetConfirmed retrieves the confirmed secret for a user
func (r *secretRepoImpl) GetConfirmed(ctx context.Context, userID string) (*models.MFASecret, error) {
	return r.get(ctx, userID, true)
}

func (r *secretRepoImpl) get(ctx context.Context, userID string, confirmed bool) (*models.MFASecret, error) {
	secret := &models.MFASecret{}

	query := `
		SELECT user_id, confirmed, secret_encrypted, secret_nonce, last_used_counter,
		       backup_code_salt, created_at, confirmed_at
		FROM mfa_secrets
		WHERE user_id = $1 AND confirmed = $2
	`

	err := r.db.Pool.QueryRow(ctx, query, userID, confirmed).Scan(
		&secret.UserID,
		&secret.Confirmed,
		&secret.SecretEncrypted,
		&secret.SecretNonce,
		&secret.LastUsedCounter,
		&secret.BackupCodeSalt,
		&secret.CreatedAt,
		&secret.ConfirmedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get MFA secret: %w", err)
	}

	return secret, nil
}

// Promote swaps the confirmed secret and backup codes in one transaction
func (r *secretRepoImpl) Promote(ctx context.Context, userID string, pendingNonce []byte, counter int64, salt []byte, codeHashes []string, confirmedAt time.Time) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to delete old backup codes: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM mfa_secrets WHERE user_id = $1 AND confirmed = TRUE`, userID); err != nil {
			return fmt.Errorf("failed to delete old confirmed secret: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE mfa_secrets
			SET confirmed = TRUE, confirmed_at = $5, last_used_counter = $3, backup_code_salt = $4
			WHERE user_id = $1 AND confirmed = FALSE AND secret_nonce = $2
		`, userID, pendingNonce, counter, salt, confirmedAt)
		if err != nil {
			return fmt.Errorf("failed to promote pending secret: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNotFound
		}

		rows := make([][]any, len(codeHashes))
		for i, h := range codeHashes {
			rows[i] = []any{userID, h, confirmedAt}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"mfa_backup_codes"},
			[]string{"user_id", "code_hash", "created_at"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("failed to insert backup codes: %w", database.MapPostgresError(err))
		}

		return nil
	})
}

// AdvanceCounter is a single conditional update, so concurrent verifications
// of the same code cannot both succeed
func (r *secretRepoImpl) AdvanceCounter(ctx context.Context, userID string, nonce []byte, counter int64) (bool, error) {
	query := `
		UPDATE mfa_secrets
		SET last_used_counter = $3
		WHERE user_id = $1 AND confirmed = TRUE AND secret_nonce = $2
		  AND (last_used_counter IS NULL OR last_used_counter < $3)
	`

	tag, err := r.db.Pool.Exec(ctx, query, userID, nonce, counter)
	if err != nil {
		return false, fmt.Errorf("failed to advance TOTP counter: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ConsumeBackupCode marks one unused code as consumed
func (r *secretRepoImpl) ConsumeBackupCode(ctx context.Context, userID, codeHash string, at time.Time) (bool, error) {
	query := `
		UPDATE mfa_backup_codes
		SET consumed_at = $3
		WHERE user_id = $1 AND code_hash = $2 AND consumed_at IS NULL
	`

	tag, err := r.db.Pool.Exec(ctx, query, userID, codeHash, at)
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// CountUnusedBackupCodes returns how many backup codes remain
func (r *secretRepoImpl) CountUnusedBackupCodes(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM mfa_backup_codes WHERE user_id = $1 AND consumed_at IS NULL`

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count backup codes: %w", err)
	}

	return count, nil
}

// DeleteByUserID removes all secrets and backup codes for a user
func (r *secretRepoImpl) DeleteByUserID(ctx context.Context, userID string) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to delete backup codes: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM mfa_secrets WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to delete MFA secrets: %w", err)
		}
		return nil
	})
}

// DeleteExpiredPending removes abandoned enrollments
func (r *secretRepoImpl) DeleteExpiredPending(ctx context.Context, createdBefore time.Time) (int64, error) {
	query := `DELETE FROM mfa_secrets WHERE confirmed = FALSE AND created_at < $1`

	tag, err := r.db.Pool.Exec(ctx, query, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired pending secrets: %w", err)
	}

	return tag.RowsAffected(), nil
}
