package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/kamino-stepup/internal/auth"
	"github.com/BradenHooton/kamino-stepup/internal/models"
	"github.com/BradenHooton/kamino-stepup/internal/repositories"
	"github.com/BradenHooton/kamino-stepup/pkg/logger"
)

// EnrollmentConfig holds TOTP enrollment settings
type EnrollmentConfig struct {
	BackupCodeCount int
	ToleranceSteps  int
	EnrollmentTTL   time.Duration // pending secrets older than this are ignored
	StorageTimeout  time.Duration
	// RequireReenrollIntent makes BeginEnrollment refuse to start over an
	// existing confirmed secret unless the caller asks to replace it.
	RequireReenrollIntent bool
}

// SessionRevoker revokes all MFA sessions for a user
type SessionRevoker interface {
	RevokeAllForUser(ctx context.Context, userID, reason string) error
}

// EnrollmentService handles TOTP enrollment, reset and status
type EnrollmentService struct {
	secrets  repositories.SecretRepository
	sessions SessionRevoker
	totpMgr  *auth.TOTPManager
	notifier SecurityNotifier
	logger   *slog.Logger
	audit    *logger.AuditLogger
	config   EnrollmentConfig
	now      func() time.Time
}

// NewEnrollmentService creates a new enrollment service
func NewEnrollmentService(
	secrets repositories.SecretRepository,
	sessions SessionRevoker,
	totpMgr *auth.TOTPManager,
	notifier SecurityNotifier,
	logger *slog.Logger,
	audit *logger.AuditLogger,
	config EnrollmentConfig,
) *EnrollmentService {
	return &EnrollmentService{
		secrets:  secrets,
		sessions: sessions,
		totpMgr:  totpMgr,
		notifier: notifier,
		logger:   logger,
		audit:    audit,
		config:   config,
		now:      time.Now,
	}
}

// BeginEnrollment generates a new secret and stores it pending, replacing
// any earlier pending secret. An existing confirmed secret keeps working
// until the new one is confirmed.
func (s *EnrollmentService) BeginEnrollment(ctx context.Context, userID, accountName string, replace bool) (*models.EnrollmentStart, error) {
	sctx, cancel := withStorageTimeout(ctx, s.config.StorageTimeout)
	defer cancel()

	if s.config.RequireReenrollIntent && !replace {
		_, err := s.secrets.GetConfirmed(sctx, userID)
		switch {
		case err == nil:
			return nil, models.ErrAlreadyEnrolled
		case !errors.Is(err, models.ErrNotFound):
			s.logger.Error("failed to check existing MFA secret",
				slog.String("user_id", userID),
				slog.Any("error", err))
			return nil, models.ErrVerificationUnavailable
		}
	}

	provisioned, err := s.totpMgr.GenerateSecret(accountName)
	if err != nil {
		s.logger.Error("failed to generate TOTP secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	encrypted, nonce, err := s.totpMgr.EncryptSecret(provisioned.Secret)
	if err != nil {
		s.logger.Error("failed to encrypt TOTP secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	now := s.now()
	pending := &models.MFASecret{
		UserID:          userID,
		SecretEncrypted: encrypted,
		SecretNonce:     nonce,
		CreatedAt:       now,
	}

	if err := s.secrets.SavePending(sctx, pending); err != nil {
		s.logger.Error("failed to store pending MFA secret",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return nil, models.ErrVerificationUnavailable
	}

	s.audit.LogMFAEvent(logger.AuditEvent{
		EventType: logger.EventEnrollmentStarted,
		UserID:    userID,
		Success:   true,
	})

	return &models.EnrollmentStart{
		Secret:          provisioned.Secret,
		ProvisioningURI: provisioned.ProvisioningURI,
		QRCode:          provisioned.QRCode,
		ExpiresAt:       now.Add(s.config.EnrollmentTTL),
	}, nil
}

// ConfirmEnrollment checks code against the pending secret. On success the
// pending secret replaces the confirmed one, every old backup code is
// discarded and the new plaintext backup codes are returned. They are not
// retrievable later.
func (s *EnrollmentService) ConfirmEnrollment(ctx context.Context, userID, code, email string) ([]string, error) {
	sctx, cancel := withStorageTimeout(ctx, s.config.StorageTimeout)
	defer cancel()

	now := s.now()

	pending, err := s.secrets.GetPending(sctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotEnrolled
		}
		s.logger.Error("failed to load pending MFA secret",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return nil, models.ErrVerificationUnavailable
	}

	if pending.IsExpiredPending(s.config.EnrollmentTTL, now) {
		return nil, models.ErrNotEnrolled
	}

	secret, err := s.totpMgr.DecryptSecret(pending.SecretEncrypted, pending.SecretNonce)
	if err != nil {
		s.logger.Error("failed to decrypt pending MFA secret",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return nil, models.ErrVerificationUnavailable
	}

	counter, ok, err := auth.VerifyCode(secret, code, now, s.config.ToleranceSteps)
	if err != nil {
		s.logger.Error("TOTP validation error", slog.Any("error", err))
		return nil, models.ErrVerificationUnavailable
	}
	if !ok {
		s.audit.LogMFAEvent(logger.AuditEvent{
			EventType:     logger.EventEnrollmentConfirmed,
			UserID:        userID,
			Success:       false,
			FailureReason: "invalid_code",
		})
		return nil, models.ErrInvalidCode
	}

	codes, err := auth.GenerateBackupCodes(s.config.BackupCodeCount)
	if err != nil {
		s.logger.Error("failed to generate backup codes", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	salt, err := auth.GenerateBackupCodeSalt()
	if err != nil {
		s.logger.Error("failed to generate backup code salt", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = auth.HashBackupCode(salt, c)
	}

	if err := s.secrets.Promote(sctx, userID, pending.SecretNonce, counter, salt, hashes, now); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Replaced by a concurrent BeginEnrollment
			return nil, models.ErrNotEnrolled
		}
		s.logger.Error("failed to confirm MFA enrollment",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return nil, models.ErrVerificationUnavailable
	}

	s.audit.LogMFAEvent(logger.AuditEvent{
		EventType: logger.EventEnrollmentConfirmed,
		UserID:    userID,
		Success:   true,
	})
	notify(s.notifier, s.logger, email, SecurityEventEnrollmentConfirmed, now)

	return codes, nil
}

// ResetEnrollment removes all MFA state for a user and signs out every MFA
// session. The user must enroll again before verifying.
func (s *EnrollmentService) ResetEnrollment(ctx context.Context, userID string) error {
	sctx, cancel := withStorageTimeout(ctx, s.config.StorageTimeout)
	defer cancel()

	// No session may outlive the factor that issued it
	if err := s.sessions.RevokeAllForUser(ctx, userID, models.RevokeReasonMFAReset); err != nil {
		return err
	}

	if err := s.secrets.DeleteByUserID(sctx, userID); err != nil {
		s.logger.Error("failed to delete MFA secrets",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return models.ErrVerificationUnavailable
	}

	s.audit.LogMFAEvent(logger.AuditEvent{
		EventType: logger.EventEnrollmentReset,
		UserID:    userID,
		Success:   true,
	})

	return nil
}

// Status reports the user's enrollment state
func (s *EnrollmentService) Status(ctx context.Context, userID string) (*models.MFAStatus, error) {
	sctx, cancel := withStorageTimeout(ctx, s.config.StorageTimeout)
	defer cancel()

	status := &models.MFAStatus{}

	confirmed, err := s.secrets.GetConfirmed(sctx, userID)
	switch {
	case err == nil:
		status.Enrolled = true
		status.ConfirmedAt = confirmed.ConfirmedAt
	case !errors.Is(err, models.ErrNotFound):
		s.logger.Error("failed to load MFA status", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrVerificationUnavailable
	}

	pending, err := s.secrets.GetPending(sctx, userID)
	switch {
	case err == nil:
		status.PendingEnrollment = !pending.IsExpiredPending(s.config.EnrollmentTTL, s.now())
	case !errors.Is(err, models.ErrNotFound):
		s.logger.Error("failed to load MFA status", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrVerificationUnavailable
	}

	if status.Enrolled {
		remaining, err := s.secrets.CountUnusedBackupCodes(sctx, userID)
		if err != nil {
			s.logger.Error("failed to count backup codes", slog.String("user_id", userID), slog.Any("error", err))
			return nil, models.ErrVerificationUnavailable
		}
		status.BackupCodesRemaining = remaining
	}

	return status, nil
}
