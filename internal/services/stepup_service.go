package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/kamino-stepup/internal/models"
	"github.com/BradenHooton/kamino-stepup/pkg/logger"
)

// ActiveSessionFinder looks up a user's newest usable MFA session
type ActiveSessionFinder interface {
	LatestActive(ctx context.Context, userID, clientAddress string) (*models.MFASession, error)
}

// StepUpService decides whether a sensitive action needs a fresh MFA challenge
type StepUpService struct {
	sessions ActiveSessionFinder
	// actionMaxAge optionally caps session age per action. Actions without
	// an entry accept any valid session.
	actionMaxAge map[string]time.Duration
	logger       *slog.Logger
	audit        *logger.AuditLogger
	now          func() time.Time
}

// NewStepUpService creates a new StepUpService
func NewStepUpService(sessions ActiveSessionFinder, actionMaxAge map[string]time.Duration, logger *slog.Logger, audit *logger.AuditLogger) *StepUpService {
	if actionMaxAge == nil {
		actionMaxAge = map[string]time.Duration{}
	}
	return &StepUpService{
		sessions:     sessions,
		actionMaxAge: actionMaxAge,
		logger:       logger,
		audit:        audit,
		now:          time.Now,
	}
}

// authorizingSession returns the session that satisfies action, or nil
func (s *StepUpService) authorizingSession(ctx context.Context, userID string, action models.ActionContext) *models.MFASession {
	session, err := s.sessions.LatestActive(ctx, userID, action.ClientAddress)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("step-up session lookup failed",
				slog.String("user_id", userID),
				slog.String("action", action.Name),
				slog.Any("error", err))
		}
		return nil
	}

	if maxAge, ok := s.actionMaxAge[action.Name]; ok && s.now().Sub(session.CreatedAt) > maxAge {
		return nil
	}

	return session
}

// RequiresChallenge reports whether userID must complete MFA before action.
// Any lookup failure requires a challenge.
func (s *StepUpService) RequiresChallenge(ctx context.Context, userID string, action models.ActionContext) bool {
	required := s.authorizingSession(ctx, userID, action) == nil
	if required {
		s.audit.LogSessionEvent(logger.AuditEvent{
			EventType: logger.EventStepUpRequired,
			UserID:    userID,
			IPAddress: action.ClientAddress,
			Success:   false,
			Metadata:  map[string]string{"action": action.Name},
		})
	}
	return required
}

// Authorize runs commit if action is allowed without a new challenge.
// commit receives a context that ends no later than the authorizing
// session's expiry.
func (s *StepUpService) Authorize(ctx context.Context, userID string, action models.ActionContext, commit func(ctx context.Context) error) error {
	session := s.authorizingSession(ctx, userID, action)
	if session == nil {
		return models.ErrStepUpRequired
	}

	cctx, cancel := context.WithDeadline(ctx, session.ExpiresAt)
	defer cancel()

	return commit(cctx)
}
