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

// VerificationConfig holds verification settings
type VerificationConfig struct {
	ToleranceSteps int
	StorageTimeout time.Duration
}

// VerifyRequest is one second-factor attempt
type VerifyRequest struct {
	UserID        string
	Code          string
	IsBackupCode  bool
	ClientAddress string
	Email         string // optional, for security notifications
}

// SessionIssuer mints an MFA session after a successful verification
type SessionIssuer interface {
	CreateSession(ctx context.Context, userID, clientAddress string) (*models.SessionGrant, error)
}

// VerificationService checks TOTP and backup codes and issues MFA sessions
type VerificationService struct {
	secrets  repositories.SecretRepository
	limiter  *RateLimitService
	sessions SessionIssuer
	totpMgr  *auth.TOTPManager
	timing   *auth.TimingDelay
	notifier SecurityNotifier
	logger   *slog.Logger
	audit    *logger.AuditLogger
	config   VerificationConfig
	now      func() time.Time
}

// NewVerificationService creates a new verification service
func NewVerificationService(
	secrets repositories.SecretRepository,
	limiter *RateLimitService,
	sessions SessionIssuer,
	totpMgr *auth.TOTPManager,
	timing *auth.TimingDelay,
	notifier SecurityNotifier,
	logger *slog.Logger,
	audit *logger.AuditLogger,
	config VerificationConfig,
) *VerificationService {
	return &VerificationService{
		secrets:  secrets,
		limiter:  limiter,
		sessions: sessions,
		totpMgr:  totpMgr,
		timing:   timing,
		notifier: notifier,
		logger:   logger,
		audit:    audit,
		config:   config,
		now:      time.Now,
	}
}

// Verify checks a code and, on success, returns a new MFA session. Locked
// out users get a *models.TooManyAttemptsError without their code being
// looked at. Every checked code first takes a slot from the lockout budget,
// so parallel guesses are bounded the same as sequential ones. Storage and
// crypto failures return models.ErrVerificationUnavailable, never grant a
// session, and keep the slot counted.
func (s *VerificationService) Verify(ctx context.Context, req VerifyRequest) (*models.SessionGrant, error) {
	start := time.Now()

	eventType := logger.EventVerifyTOTP
	if req.IsBackupCode {
		eventType = logger.EventVerifyBackupCode
	}

	fail := func(reason string, err error) (*models.SessionGrant, error) {
		s.audit.LogMFAEvent(logger.AuditEvent{
			EventType:     eventType,
			UserID:        req.UserID,
			IPAddress:     req.ClientAddress,
			Success:       false,
			FailureReason: reason,
		})
		s.timing.WaitFrom(ctx, start, false)
		return nil, err
	}

	sctx, cancel := withStorageTimeout(ctx, s.config.StorageTimeout)
	defer cancel()

	locked, retryAfter, err := s.limiter.IsLocked(sctx, req.UserID)
	if err != nil {
		s.logger.Error("failed to check MFA lockout",
			slog.String("user_id", req.UserID),
			slog.Any("error", err))
		return fail("storage_unavailable", models.ErrVerificationUnavailable)
	}
	if locked {
		return fail("locked_out", &models.TooManyAttemptsError{RetryAfter: retryAfter})
	}

	stored, err := s.confirmedSecret(sctx, req.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotEnrolled) {
			return fail("not_enrolled", err)
		}
		s.logger.Error("failed to load MFA secret",
			slog.String("user_id", req.UserID),
			slog.Any("error", err))
		return fail("storage_unavailable", models.ErrVerificationUnavailable)
	}

	attempt, err := s.limiter.ReserveAttempt(sctx, req.UserID)
	if err != nil {
		s.logger.Error("failed to reserve MFA attempt",
			slog.String("user_id", req.UserID),
			slog.Any("error", err))
		return fail("storage_unavailable", models.ErrVerificationUnavailable)
	}
	if attempt.Rejected {
		return fail("locked_out", &models.TooManyAttemptsError{RetryAfter: attempt.RetryAfter})
	}

	var ok bool
	if req.IsBackupCode {
		ok, err = s.checkBackupCode(sctx, req, stored)
	} else {
		ok, err = s.checkTOTP(sctx, req, stored)
	}
	if err != nil {
		s.logger.Error("MFA verification unavailable",
			slog.String("user_id", req.UserID),
			slog.Bool("backup_code", req.IsBackupCode),
			slog.Any("error", err))
		return fail("storage_unavailable", models.ErrVerificationUnavailable)
	}

	if !ok {
		if attempt.Last {
			s.logger.Warn("mfa verification locked",
				slog.String("user_id", req.UserID),
				slog.Duration("retry_after", s.limiter.config.Window))
			s.audit.LogMFAEvent(logger.AuditEvent{
				EventType: logger.EventLockout,
				UserID:    req.UserID,
				IPAddress: req.ClientAddress,
				Success:   false,
			})
			notify(s.notifier, s.logger, req.Email, SecurityEventLockout, s.now())
		}
		return fail("invalid_code", models.ErrInvalidCode)
	}

	if err := s.limiter.RecordSuccess(sctx, req.UserID); err != nil {
		// The code is already spent, so the session is still issued
		s.logger.Warn("failed to reset MFA failures",
			slog.String("user_id", req.UserID),
			slog.Any("error", err))
	}

	grant, err := s.sessions.CreateSession(ctx, req.UserID, req.ClientAddress)
	if err != nil {
		return fail("session_unavailable", models.ErrVerificationUnavailable)
	}

	s.audit.LogMFAEvent(logger.AuditEvent{
		EventType: eventType,
		UserID:    req.UserID,
		IPAddress: req.ClientAddress,
		Success:   true,
	})
	if req.IsBackupCode {
		notify(s.notifier, s.logger, req.Email, SecurityEventBackupCodeUsed, s.now())
	}

	s.timing.WaitFrom(ctx, start, true)
	return grant, nil
}

// confirmedSecret loads the confirmed secret. A pending secret never
// verifies.
func (s *VerificationService) confirmedSecret(ctx context.Context, userID string) (*models.MFASecret, error) {
	secret, err := s.secrets.GetConfirmed(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotEnrolled
		}
		return nil, err
	}
	return secret, nil
}

func (s *VerificationService) checkTOTP(ctx context.Context, req VerifyRequest, stored *models.MFASecret) (bool, error) {
	secret, err := s.totpMgr.DecryptSecret(stored.SecretEncrypted, stored.SecretNonce)
	if err != nil {
		return false, err
	}

	counter, ok, err := auth.VerifyCode(secret, req.Code, s.now(), s.config.ToleranceSteps)
	if err != nil || !ok {
		return false, err
	}

	// Only the first use of a time step is accepted
	return s.secrets.AdvanceCounter(ctx, req.UserID, stored.SecretNonce, counter)
}

func (s *VerificationService) checkBackupCode(ctx context.Context, req VerifyRequest, stored *models.MFASecret) (bool, error) {
	code := auth.NormalizeBackupCode(req.Code)
	if !auth.IsValidBackupCodeFormat(code) {
		return false, nil
	}

	return s.secrets.ConsumeBackupCode(ctx, req.UserID, auth.HashBackupCode(stored.BackupCodeSalt, code), s.now())
}
