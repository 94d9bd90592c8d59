package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BradenHooton/kamino-stepup/internal/auth"
	"github.com/BradenHooton/kamino-stepup/internal/models"
	"github.com/BradenHooton/kamino-stepup/internal/repositories"
	"github.com/BradenHooton/kamino-stepup/pkg/logger"
	"github.com/stretchr/testify/require"
)

var errStorageDown = errors.New("connection refused")

var testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable time source shared by the services under test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_015, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier captures security notifications
type recordingNotifier struct {
	mu     sync.Mutex
	events []SecurityEvent
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, event SecurityEvent, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) has(event SecurityEvent) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

// MockSecretRepository wraps a real repository and lets tests override
// individual methods
type MockSecretRepository struct {
	repositories.SecretRepository
	GetConfirmedFunc      func(ctx context.Context, userID string) (*models.MFASecret, error)
	ConsumeBackupCodeFunc func(ctx context.Context, userID, codeHash string, at time.Time) (bool, error)
	DeleteByUserIDFunc    func(ctx context.Context, userID string) error
}

func (m *MockSecretRepository) GetConfirmed(ctx context.Context, userID string) (*models.MFASecret, error) {
	if m.GetConfirmedFunc != nil {
		return m.GetConfirmedFunc(ctx, userID)
	}
	return m.SecretRepository.GetConfirmed(ctx, userID)
}

func (m *MockSecretRepository) ConsumeBackupCode(ctx context.Context, userID, codeHash string, at time.Time) (bool, error) {
	if m.ConsumeBackupCodeFunc != nil {
		return m.ConsumeBackupCodeFunc(ctx, userID, codeHash, at)
	}
	return m.SecretRepository.ConsumeBackupCode(ctx, userID, codeHash, at)
}

func (m *MockSecretRepository) DeleteByUserID(ctx context.Context, userID string) error {
	if m.DeleteByUserIDFunc != nil {
		return m.DeleteByUserIDFunc(ctx, userID)
	}
	return m.SecretRepository.DeleteByUserID(ctx, userID)
}

// MockFailureCounter implements repositories.FailureCounter for testing
type MockFailureCounter struct {
	RecordFailureFunc func(ctx context.Context, userID string, at time.Time, window time.Duration, limit int) (int, bool, error)
	FailuresFunc      func(ctx context.Context, userID string, since time.Time) ([]time.Time, error)
	ResetFunc         func(ctx context.Context, userID string) error
}

func (m *MockFailureCounter) RecordFailure(ctx context.Context, userID string, at time.Time, window time.Duration, limit int) (int, bool, error) {
	if m.RecordFailureFunc != nil {
		return m.RecordFailureFunc(ctx, userID, at, window, limit)
	}
	return 1, true, nil
}

// gatedFailureCounter holds the first n Failures reads until all n have
// arrived, so that n requests pass the lockout check together
type gatedFailureCounter struct {
	*repositories.MemoryFailureCounter
	n       int32
	arrived atomic.Int32
	release chan struct{}
}

func newGatedFailureCounter(n int) *gatedFailureCounter {
	return &gatedFailureCounter{
		MemoryFailureCounter: repositories.NewMemoryFailureCounter(),
		n:                    int32(n),
		release:              make(chan struct{}),
	}
}

func (c *gatedFailureCounter) Failures(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	failures, err := c.MemoryFailureCounter.Failures(ctx, userID, since)

	arrived := c.arrived.Add(1)
	if arrived == c.n {
		close(c.release)
	}
	if arrived <= c.n {
		select {
		case <-c.release:
		case <-time.After(5 * time.Second):
		}
	}
	return failures, err
}

func (m *MockFailureCounter) Failures(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	if m.FailuresFunc != nil {
		return m.FailuresFunc(ctx, userID, since)
	}
	return nil, nil
}

func (m *MockFailureCounter) Reset(ctx context.Context, userID string) error {
	if m.ResetFunc != nil {
		return m.ResetFunc(ctx, userID)
	}
	return nil
}

// MockSessionRepository wraps a real repository and lets tests override
// individual methods
type MockSessionRepository struct {
	repositories.SessionRepository
	GetByTokenHashFunc   func(ctx context.Context, tokenHash string) (*models.MFASession, error)
	GetLatestActiveFunc  func(ctx context.Context, userID, clientAddress string, now time.Time) (*models.MFASession, error)
	RevokeAllForUserFunc func(ctx context.Context, userID, reason string) (int64, error)
}

func (m *MockSessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*models.MFASession, error) {
	if m.GetByTokenHashFunc != nil {
		return m.GetByTokenHashFunc(ctx, tokenHash)
	}
	return m.SessionRepository.GetByTokenHash(ctx, tokenHash)
}

func (m *MockSessionRepository) GetLatestActive(ctx context.Context, userID, clientAddress string, now time.Time) (*models.MFASession, error) {
	if m.GetLatestActiveFunc != nil {
		return m.GetLatestActiveFunc(ctx, userID, clientAddress, now)
	}
	return m.SessionRepository.GetLatestActive(ctx, userID, clientAddress, now)
}

func (m *MockSessionRepository) RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error) {
	if m.RevokeAllForUserFunc != nil {
		return m.RevokeAllForUserFunc(ctx, userID, reason)
	}
	return m.SessionRepository.RevokeAllForUser(ctx, userID, reason)
}

type testOptions struct {
	secrets      repositories.SecretRepository
	sessionRepo  repositories.SessionRepository
	counter      repositories.FailureCounter
	actionMaxAge map[string]time.Duration
	reenroll     bool
}

// testEnv wires every service over in-memory stores and one clock
type testEnv struct {
	clock    *fakeClock
	notifier *recordingNotifier
	secrets  repositories.SecretRepository
	limiter  *RateLimitService
	sessions *SessionService
	enroll   *EnrollmentService
	verify   *VerificationService
	gate     *StepUpService
}

func newTestEnv(t *testing.T, opts testOptions) *testEnv {
	t.Helper()

	if opts.secrets == nil {
		opts.secrets = repositories.NewMemorySecretRepository()
	}
	if opts.sessionRepo == nil {
		opts.sessionRepo = repositories.NewMemorySessionRepository()
	}
	if opts.counter == nil {
		opts.counter = repositories.NewMemoryFailureCounter()
	}

	log := discardLogger()
	audit := logger.NewAuditLogger(log)
	clock := newFakeClock()
	notifier := &recordingNotifier{}

	tm, err := auth.NewTOTPManager(testEncryptionKey, "Kamino", 20)
	require.NoError(t, err)

	limiter := NewRateLimitService(opts.counter, RateLimitConfig{MaxFailedAttempts: 5, Window: 15 * time.Minute}, log)
	limiter.now = clock.Now

	sessions := NewSessionService(opts.sessionRepo, SessionConfig{TTL: 24 * time.Hour, StorageTimeout: time.Second}, log, audit)
	sessions.now = clock.Now

	enroll := NewEnrollmentService(opts.secrets, sessions, tm, notifier, log, audit, EnrollmentConfig{
		BackupCodeCount:       10,
		ToleranceSteps:        1,
		EnrollmentTTL:         15 * time.Minute,
		StorageTimeout:        time.Second,
		RequireReenrollIntent: opts.reenroll,
	})
	enroll.now = clock.Now

	verify := NewVerificationService(opts.secrets, limiter, sessions, tm, nil, notifier, log, audit, VerificationConfig{
		ToleranceSteps: 1,
		StorageTimeout: time.Second,
	})
	verify.now = clock.Now

	gate := NewStepUpService(sessions, opts.actionMaxAge, log, audit)
	gate.now = clock.Now

	return &testEnv{
		clock:    clock,
		notifier: notifier,
		secrets:  opts.secrets,
		limiter:  limiter,
		sessions: sessions,
		enroll:   enroll,
		verify:   verify,
		gate:     gate,
	}
}

// enrollUser runs a full enrollment and returns the secret and backup codes
func (e *testEnv) enrollUser(t *testing.T, userID string) (string, []string) {
	t.Helper()
	ctx := context.Background()

	start, err := e.enroll.BeginEnrollment(ctx, userID, userID+"@example.com", true)
	require.NoError(t, err)

	code, err := auth.ComputeCode(start.Secret, e.clock.Now())
	require.NoError(t, err)

	codes, err := e.enroll.ConfirmEnrollment(ctx, userID, code, userID+"@example.com")
	require.NoError(t, err)

	return start.Secret, codes
}

// currentCode returns the TOTP code for secret at the clock's time
func (e *testEnv) currentCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := auth.ComputeCode(secret, e.clock.Now())
	require.NoError(t, err)
	return code
}

// wrongCode returns a six digit code that is not accepted for secret at
// the clock's time
func (e *testEnv) wrongCode(t *testing.T, secret string) string {
	t.Helper()
	for _, candidate := range []string{"000000", "111111", "222222", "333333"} {
		if _, ok, _ := auth.VerifyCode(secret, candidate, e.clock.Now(), 1); !ok {
			return candidate
		}
	}
	t.Fatal("no wrong code available")
	return ""
}
