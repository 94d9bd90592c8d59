package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/kamino-stepup/internal/auth"
	"github.com/BradenHooton/kamino-stepup/internal/models"
	"github.com/BradenHooton/kamino-stepup/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginEnrollment_ReturnsProvisioningData(t *testing.T) {
	env := newTestEnv(t, testOptions{})

	start, err := env.enroll.BeginEnrollment(context.Background(), "user-1", "user@example.com", false)
	require.NoError(t, err)

	assert.Len(t, start.Secret, 32) // 20 bytes base32
	assert.True(t, strings.HasPrefix(start.ProvisioningURI, "otpauth://totp/Kamino:user@example.com?"))
	assert.Contains(t, start.ProvisioningURI, "secret="+start.Secret)
	assert.Contains(t, start.ProvisioningURI, "issuer=Kamino")
	assert.True(t, strings.HasPrefix(start.QRCode, "data:image/png;base64,"))
	assert.Equal(t, env.clock.Now().Add(15*time.Minute), start.ExpiresAt)

	pending, err := env.secrets.GetPending(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, pending.Confirmed)
	assert.NotContains(t, string(pending.SecretEncrypted), start.Secret)
}

func TestBeginEnrollment_ReplacesPendingSecret(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	ctx := context.Background()

	first, err := env.enroll.BeginEnrollment(ctx, "user-1", "user@example.com", false)
	require.NoError(t, err)
	second, err := env.enroll.BeginEnrollment(ctx, "user-1", "user@example.com", false)
	require.NoError(t, err)
	require.NotEqual(t, first.Secret, second.Secret)

	_, err = env.enroll.ConfirmEnrollment(ctx, "user-1", env.currentCode(t, first.Secret), "")
	assert.ErrorIs(t, err, models.ErrInvalidCode)

	codes, err := env.enroll.ConfirmEnrollment(ctx, "user-1", env.currentCode(t, second.Secret), "")
	require.NoError(t, err)
	assert.Len(t, codes, 10)
}

func TestConfirmEnrollment_InvalidCodeChangesNothing(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	ctx := context.Background()

	start, err := env.enroll.BeginEnrollment(ctx, "user-1", "user@example.com", false)
	require.NoError(t, err)

	_, err = env.enroll.ConfirmEnrollment(ctx, "user-1", env.wrongCode(t, start.Secret), "")
	assert.ErrorIs(t, err, models.ErrInvalidCode)

	_, err = env.secrets.GetConfirmed(ctx, "user-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Pending secret is still there to retry with
	_, err = env.enroll.ConfirmEnrollment(ctx, "user-1", env.currentCode(t, start.Secret), "")
	assert.NoError(t, err)
}

func TestConfirmEnrollment_NoPendingSecret(t *testing.T) {
	env := newTestEnv(t, testOptions{})

	_, err := env.enroll.ConfirmEnrollment(context.Background(), "user-1", "123456", "")
	assert.ErrorIs(t, err, models.ErrNotEnrolled)
}

func TestConfirmEnrollment_ExpiredPendingSecret(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	ctx := context.Background()

	start, err := env.enroll.BeginEnrollment(ctx, "user-1", "user@example.com", false)
	require.NoError(t, err)

	env.clock.Advance(16 * time.Minute)
	_, err = env.enroll.ConfirmEnrollment(ctx, "user-1", env.currentCode(t, start.Secret), "")
	assert.ErrorIs(t, err, models.ErrNotEnrolled)
}

func TestConfirmEnrollment_BackupCodes(t *testing.T) {
	env := newTestEnv(t, testOptions{})

	_, codes := env.enrollUser(t, "user-1")
	require.Len(t, codes, 10)

	seen := map[string]bool{}
	for _, c := range codes {
		assert.True(t, auth.IsValidBackupCodeFormat(c), c)
		assert.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
	}

	assert.Eventually(t, func() bool {
		return env.notifier.has(SecurityEventEnrollmentConfirmed)
	}, time.Second, 10*time.Millisecond)
}

func TestReenrollment_InvalidatesOldFactors(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	ctx := context.Background()

	oldSecret, oldCodes := env.enrollUser(t, "user-1")

	start, err := env.enroll.BeginEnrollment(ctx, "user-1", "user@example.com", true)
	require.NoError(t, err)

	// The confirmed secret keeps working while the new one is pending
	env.clock.Advance(30 * time.Second)
	_, err = env.verify.Verify(ctx, VerifyRequest{UserID: "user-1", Code: env.currentCode(t, oldSecret), ClientAddress: clientIP})
	require.NoError(t, err)

	env.clock.Advance(30 * time.Second)
	newCodes, err := env.enroll.ConfirmEnrollment(ctx, "user-1", env.currentCode(t, start.Secret), "")
	require.NoError(t, err)

	env.clock.Advance(30 * time.Second)
	_, err = env.verify.Verify(ctx, VerifyRequest{UserID: "user-1", Code: env.currentCode(t, oldSecret), ClientAddress: clientIP})
	assert.ErrorIs(t, err, models.ErrInvalidCode)

	for _, c := range oldCodes[:3] {
		_, err = env.verify.Verify(ctx, VerifyRequest{UserID: "user-1", Code: c, IsBackupCode: true, ClientAddress: clientIP})
		assert.ErrorIs(t, err, models.ErrInvalidCode)
	}

	_, err = env.verify.Verify(ctx, VerifyRequest{UserID: "user-1", Code: newCodes[0], IsBackupCode: true, ClientAddress: clientIP})
	assert.NoError(t, err)

	_, err = env.verify.Verify(ctx, VerifyRequest{UserID: "user-1", Code: env.currentCode(t, start.Secret), ClientAddress: clientIP})
	assert.NoError(t, err)
}

func TestBeginEnrollment_RequireReenrollIntent(t *testing.T) {
	env := newTestEnv(t, testOptions{reenroll: true})
	ctx := context.Background()

	env.enrollUser(t, "user-1")

	_, err := env.enroll.BeginEnrollment(ctx, "user-1", "user@example.com", false)
	assert.ErrorIs(t, err, models.ErrAlreadyEnrolled)

	_, err = env.enroll.BeginEnrollment(ctx, "user-1", "user@example.com", true)
	assert.NoError(t, err)

	// First enrollment needs no intent
	_, err = env.enroll.BeginEnrollment(ctx, "user-2", "other@example.com", false)
	assert.NoError(t, err)
}

func TestResetEnrollment(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	ctx := context.Background()

	secret, _ := env.enrollUser(t, "user-1")
	env.clock.Advance(30 * time.Second)
	grant, err := env.verify.Verify(ctx, VerifyRequest{UserID: "user-1", Code: env.currentCode(t, secret), ClientAddress: clientIP})
	require.NoError(t, err)

	require.NoError(t, env.enroll.ResetEnrollment(ctx, "user-1"))

	assert.False(t, env.sessions.ValidateSession(ctx, grant.SessionToken, clientIP))

	status, err := env.enroll.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, status.Enrolled)
	assert.Zero(t, status.BackupCodesRemaining)

	env.clock.Advance(30 * time.Second)
	_, err = env.verify.Verify(ctx, VerifyRequest{UserID: "user-1", Code: env.currentCode(t, secret), ClientAddress: clientIP})
	assert.ErrorIs(t, err, models.ErrNotEnrolled)
}

func TestResetEnrollment_RevokeFailureKeepsFactor(t *testing.T) {
	sessionRepo := &MockSessionRepository{SessionRepository: repositories.NewMemorySessionRepository()}
	env := newTestEnv(t, testOptions{sessionRepo: sessionRepo})
	ctx := context.Background()

	secret, _ := env.enrollUser(t, "user-1")

	sessionRepo.RevokeAllForUserFunc = func(ctx context.Context, userID, reason string) (int64, error) {
		return 0, errStorageDown
	}

	err := env.enroll.ResetEnrollment(ctx, "user-1")
	assert.ErrorIs(t, err, models.ErrVerificationUnavailable)

	status, err := env.enroll.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, status.Enrolled, "factor must survive when sessions could not be revoked")

	env.clock.Advance(30 * time.Second)
	_, err = env.verify.Verify(ctx, VerifyRequest{UserID: "user-1", Code: env.currentCode(t, secret), ClientAddress: clientIP})
	assert.NoError(t, err)
}

func TestResetEnrollment_DeleteFailureLeavesNoSession(t *testing.T) {
	secrets := &MockSecretRepository{SecretRepository: repositories.NewMemorySecretRepository()}
	env := newTestEnv(t, testOptions{secrets: secrets})
	ctx := context.Background()

	secret, _ := env.enrollUser(t, "user-1")
	env.clock.Advance(30 * time.Second)
	grant, err := env.verify.Verify(ctx, VerifyRequest{UserID: "user-1", Code: env.currentCode(t, secret), ClientAddress: clientIP})
	require.NoError(t, err)

	secrets.DeleteByUserIDFunc = func(ctx context.Context, userID string) error {
		return errStorageDown
	}

	err = env.enroll.ResetEnrollment(ctx, "user-1")
	assert.ErrorIs(t, err, models.ErrVerificationUnavailable)
	assert.False(t, env.sessions.ValidateSession(ctx, grant.SessionToken, clientIP))
}

func TestConfirmEnrollment_StampsServiceClock(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	ctx := context.Background()

	env.enrollUser(t, "user-1")

	stored, err := env.secrets.GetConfirmed(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, stored.ConfirmedAt)
	assert.True(t, stored.ConfirmedAt.Equal(env.clock.Now()), "confirmed_at %v, clock %v", *stored.ConfirmedAt, env.clock.Now())
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	ctx := context.Background()

	status, err := env.enroll.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, &models.MFAStatus{}, status)

	_, err = env.enroll.BeginEnrollment(ctx, "user-1", "user@example.com", false)
	require.NoError(t, err)
	status, err = env.enroll.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, status.PendingEnrollment)
	assert.False(t, status.Enrolled)

	env.clock.Advance(20 * time.Minute)
	status, err = env.enroll.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, status.PendingEnrollment)

	env.enrollUser(t, "user-1")
	status, err = env.enroll.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, status.Enrolled)
	assert.NotNil(t, status.ConfirmedAt)
	assert.Equal(t, 10, status.BackupCodesRemaining)
}
