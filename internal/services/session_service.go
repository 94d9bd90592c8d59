package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/kamino-stepup/internal/models"
	"github.com/BradenHooton/kamino-stepup/internal/repositories"
	"github.com/BradenHooton/kamino-stepup/pkg/logger"
	"github.com/google/uuid"
)

const sessionTokenBytes = 32

// SessionConfig holds MFA session settings
type SessionConfig struct {
	TTL            time.Duration
	StorageTimeout time.Duration
}

// SessionService issues, validates and revokes MFA sessions
type SessionService struct {
	repo   repositories.SessionRepository
	config SessionConfig
	logger *slog.Logger
	audit  *logger.AuditLogger
	now    func() time.Time
}

// NewSessionService creates a new SessionService
func NewSessionService(repo repositories.SessionRepository, config SessionConfig, logger *slog.Logger, audit *logger.AuditLogger) *SessionService {
	return &SessionService{
		repo:   repo,
		config: config,
		logger: logger,
		audit:  audit,
		now:    time.Now,
	}
}

// HashSessionToken returns the storage key for a session token
func HashSessionToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *SessionService) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return withStorageTimeout(ctx, s.config.StorageTimeout)
}

// CreateSession mints a session bound to clientAddress. The token is
// returned once and only its hash is stored.
func (s *SessionService) CreateSession(ctx context.Context, userID, clientAddress string) (*models.SessionGrant, error) {
	token, err := generateSessionToken()
	if err != nil {
		s.logger.Error("failed to generate session token", slog.Any("error", err))
		return nil, models.ErrVerificationUnavailable
	}

	now := s.now()
	session := &models.MFASession{
		ID:           uuid.New().String(),
		TokenHash:    HashSessionToken(token),
		UserID:       userID,
		BoundAddress: clientAddress,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.config.TTL),
	}

	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	if err := s.repo.Create(sctx, session); err != nil {
		s.logger.Error("failed to store MFA session",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return nil, models.ErrVerificationUnavailable
	}

	s.audit.LogSessionEvent(logger.AuditEvent{
		EventType: logger.EventSessionCreated,
		UserID:    userID,
		IPAddress: clientAddress,
		Success:   true,
		Metadata:  map[string]string{"session_id": session.ID},
	})

	return &models.SessionGrant{SessionToken: token, ExpiresAt: session.ExpiresAt}, nil
}

// lookup resolves a token to a usable session. A session presented from a
// different address than it was bound to is revoked.
func (s *SessionService) lookup(ctx context.Context, token, clientAddress string) (*models.MFASession, error) {
	if token == "" {
		return nil, models.ErrSessionInvalid
	}

	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	tokenHash := HashSessionToken(token)
	session, err := s.repo.GetByTokenHash(sctx, tokenHash)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrSessionInvalid
		}
		return nil, err
	}

	if session.Revoked {
		return nil, models.ErrSessionInvalid
	}

	if !s.now().Before(session.ExpiresAt) {
		return nil, models.ErrSessionExpired
	}

	if session.BoundAddress != clientAddress {
		if err := s.repo.Revoke(sctx, tokenHash, models.RevokeReasonAddressChange); err != nil {
			s.logger.Error("failed to revoke session after address change",
				slog.String("session_id", session.ID),
				slog.Any("error", err))
		}
		s.audit.LogSessionEvent(logger.AuditEvent{
			EventType:     logger.EventSessionAddressChange,
			UserID:        session.UserID,
			IPAddress:     clientAddress,
			Success:       false,
			FailureReason: "address_mismatch",
			Metadata: map[string]string{
				"session_id":    session.ID,
				"bound_address": session.BoundAddress,
			},
		})
		return nil, models.ErrSessionInvalid
	}

	return session, nil
}

// ValidateSession reports whether token names a usable session for
// clientAddress. It never returns an error: any failure means false.
func (s *SessionService) ValidateSession(ctx context.Context, token, clientAddress string) bool {
	_, err := s.lookup(ctx, token, clientAddress)
	if err != nil && !errors.Is(err, models.ErrSessionInvalid) && !errors.Is(err, models.ErrSessionExpired) {
		s.logger.Error("session validation failed", slog.Any("error", err))
	}
	return err == nil
}

// RevokeSession revokes the session for token. Unknown tokens and repeated
// revocations are not errors.
func (s *SessionService) RevokeSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	if err := s.repo.Revoke(sctx, HashSessionToken(token), models.RevokeReasonSignOut); err != nil {
		s.logger.Error("failed to revoke MFA session", slog.Any("error", err))
		return models.ErrVerificationUnavailable
	}

	s.audit.LogSessionEvent(logger.AuditEvent{
		EventType: logger.EventSessionRevoked,
		Success:   true,
	})

	return nil
}

// RevokeAllForUser revokes every live session of a user
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	n, err := s.repo.RevokeAllForUser(sctx, userID, reason)
	if err != nil {
		s.logger.Error("failed to revoke user MFA sessions",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return models.ErrVerificationUnavailable
	}

	s.audit.LogSessionEvent(logger.AuditEvent{
		EventType: logger.EventSessionRevokedAll,
		UserID:    userID,
		Success:   true,
		Metadata: map[string]string{
			"reason": reason,
			"count":  fmt.Sprintf("%d", n),
		},
	})

	return nil
}

// LatestActive returns the user's newest usable session. An empty
// clientAddress matches a session bound to any address.
func (s *SessionService) LatestActive(ctx context.Context, userID, clientAddress string) (*models.MFASession, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	return s.repo.GetLatestActive(sctx, userID, clientAddress, s.now())
}

// withStorageTimeout bounds a storage call. A zero timeout leaves ctx as is.
func withStorageTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
