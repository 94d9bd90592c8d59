package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/kamino-stepup/internal/repositories"
)

// RateLimitConfig holds configuration for the verification lockout
type RateLimitConfig struct {
	MaxFailedAttempts int           // failures within Window that lock the user
	Window            time.Duration // sliding window length
}

// RateLimitService implements the per-user sliding-window lockout for MFA
// verification
type RateLimitService struct {
	counter repositories.FailureCounter
	config  RateLimitConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(counter repositories.FailureCounter, config RateLimitConfig, logger *slog.Logger) *RateLimitService {
	return &RateLimitService{
		counter: counter,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// IsLocked reports whether the user is locked out and for how long. The user
// stays locked until enough of the oldest failures leave the window to bring
// the count below the threshold.
func (s *RateLimitService) IsLocked(ctx context.Context, userID string) (bool, time.Duration, error) {
	now := s.now()

	failures, err := s.counter.Failures(ctx, userID, now.Add(-s.config.Window))
	if err != nil {
		return false, 0, fmt.Errorf("failed to read failure count: %w", err)
	}

	if len(failures) < s.config.MaxFailedAttempts {
		return false, 0, nil
	}

	unlockAt := failures[len(failures)-s.config.MaxFailedAttempts].Add(s.config.Window)
	retryAfter := unlockAt.Sub(now)
	if retryAfter <= 0 {
		return false, 0, nil
	}

	return true, retryAfter, nil
}

// Attempt is one verification slot taken from the lockout budget
type Attempt struct {
	Rejected   bool          // the user was already at the threshold
	RetryAfter time.Duration // set when Rejected
	Last       bool          // failing this attempt locks the user
}

// ReserveAttempt counts an attempt as failed before its code is checked.
// The counter refuses the slot once MaxFailedAttempts failures sit in the
// window, so concurrent requests cannot check more codes than the budget
// allows. A successful check clears the slot through RecordSuccess.
func (s *RateLimitService) ReserveAttempt(ctx context.Context, userID string) (Attempt, error) {
	count, recorded, err := s.counter.RecordFailure(ctx, userID, s.now(), s.config.Window, s.config.MaxFailedAttempts)
	if err != nil {
		return Attempt{}, fmt.Errorf("failed to reserve attempt: %w", err)
	}

	if !recorded {
		_, retryAfter, err := s.IsLocked(ctx, userID)
		if err != nil {
			return Attempt{}, err
		}
		// Zero if the failures were cleared after the refusal
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Attempt{Rejected: true, RetryAfter: retryAfter}, nil
	}

	return Attempt{Last: count >= s.config.MaxFailedAttempts}, nil
}

// RecordSuccess clears the user's failures
func (s *RateLimitService) RecordSuccess(ctx context.Context, userID string) error {
	if err := s.counter.Reset(ctx, userID); err != nil {
		return fmt.Errorf("failed to reset failures: %w", err)
	}
	return nil
}
