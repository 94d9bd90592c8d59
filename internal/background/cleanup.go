package background

import (
	"context"
	"log/slog"
	"time"
)

// SessionPurger deletes MFA sessions that can no longer be used
type SessionPurger interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// PendingSecretPurger deletes abandoned enrollments
type PendingSecretPurger interface {
	DeleteExpiredPending(ctx context.Context, createdBefore time.Time) (int64, error)
}

// AttemptPurger deletes failure records outside the lockout window
type AttemptPurger interface {
	DeleteExpiredAttempts(ctx context.Context, threshold time.Time) (int64, error)
}

// CleanupConfig holds retention settings
type CleanupConfig struct {
	Interval         time.Duration
	SessionRetention time.Duration // Kept this long after expiry or revocation
	EnrollmentTTL    time.Duration
	LockoutWindow    time.Duration
}

// CleanupManager periodically removes dead MFA state. Correctness never
// depends on it: expiry is enforced when state is read.
type CleanupManager struct {
	sessions SessionPurger
	pending  PendingSecretPurger
	attempts AttemptPurger // nil when failures live outside the database
	config   CleanupConfig
	logger   *slog.Logger
	now      func() time.Time
	stopCh   chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	sessions SessionPurger,
	pending PendingSecretPurger,
	attempts AttemptPurger,
	config CleanupConfig,
	logger *slog.Logger,
) *CleanupManager {
	return &CleanupManager{
		sessions: sessions,
		pending:  pending,
		attempts: attempts,
		config:   config,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.config.Interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := cm.now()

	cm.purge(cleanupCtx, "mfa_sessions", func(ctx context.Context) (int64, error) {
		return cm.sessions.DeleteExpired(ctx, now.Add(-cm.config.SessionRetention))
	})
	cm.purge(cleanupCtx, "pending_secrets", func(ctx context.Context) (int64, error) {
		return cm.pending.DeleteExpiredPending(ctx, now.Add(-cm.config.EnrollmentTTL))
	})
	if cm.attempts != nil {
		cm.purge(cleanupCtx, "failed_attempts", func(ctx context.Context) (int64, error) {
			return cm.attempts.DeleteExpiredAttempts(ctx, now.Add(-cm.config.LockoutWindow))
		})
	}
}

// purge runs one task; a failure is logged and the others still run
func (cm *CleanupManager) purge(ctx context.Context, name string, fn func(ctx context.Context) (int64, error)) {
	rowsDeleted, err := fn(ctx)
	if err != nil {
		cm.logger.Error("cleanup failed", slog.String("task", name), slog.Any("error", err))
		return
	}

	if rowsDeleted > 0 {
		cm.logger.Info("cleanup completed", slog.String("task", name), slog.Int64("rows_deleted", rowsDeleted))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
