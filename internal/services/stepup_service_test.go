package services

import (
	"context"
	"testing"
	"time"

	"github.com/BradenHooton/kamino-stepup/internal/models"
	"github.com/BradenHooton/kamino-stepup/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approval(addr string) models.ActionContext {
	return models.ActionContext{Name: models.ActionApproval, ClientAddress: addr}
}

func TestRequiresChallenge(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	ctx := context.Background()

	assert.True(t, env.gate.RequiresChallenge(ctx, "user-1", approval(clientIP)))

	grant, err := env.sessions.CreateSession(ctx, "user-1", clientIP)
	require.NoError(t, err)

	assert.False(t, env.gate.RequiresChallenge(ctx, "user-1", approval(clientIP)))
	assert.False(t, env.gate.RequiresChallenge(ctx, "user-1", approval("")))
	assert.True(t, env.gate.RequiresChallenge(ctx, "user-1", approval("198.51.100.7")))
	assert.True(t, env.gate.RequiresChallenge(ctx, "user-2", approval(clientIP)))

	require.NoError(t, env.sessions.RevokeSession(ctx, grant.SessionToken))
	assert.True(t, env.gate.RequiresChallenge(ctx, "user-1", approval(clientIP)))
}

func TestRequiresChallenge_DefaultRecencyIsSessionLifetime(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	ctx := context.Background()

	_, err := env.sessions.CreateSession(ctx, "user-1", clientIP)
	require.NoError(t, err)

	env.clock.Advance(23 * time.Hour)
	assert.False(t, env.gate.RequiresChallenge(ctx, "user-1", approval(clientIP)))

	env.clock.Advance(time.Hour)
	assert.True(t, env.gate.RequiresChallenge(ctx, "user-1", approval(clientIP)))
}

func TestRequiresChallenge_PerActionMaxAge(t *testing.T) {
	env := newTestEnv(t, testOptions{actionMaxAge: map[string]time.Duration{
		models.ActionApproval: 15 * time.Minute,
	}})
	ctx := context.Background()

	_, err := env.sessions.CreateSession(ctx, "user-1", clientIP)
	require.NoError(t, err)

	env.clock.Advance(15 * time.Minute)
	assert.False(t, env.gate.RequiresChallenge(ctx, "user-1", approval(clientIP)))

	env.clock.Advance(time.Second)
	assert.True(t, env.gate.RequiresChallenge(ctx, "user-1", approval(clientIP)))

	// Actions without a window still accept the session
	other := models.ActionContext{Name: "publish", ClientAddress: clientIP}
	assert.False(t, env.gate.RequiresChallenge(ctx, "user-1", other))

	// A fresh verification satisfies the window again
	_, err = env.sessions.CreateSession(ctx, "user-1", clientIP)
	require.NoError(t, err)
	assert.False(t, env.gate.RequiresChallenge(ctx, "user-1", approval(clientIP)))
}

func TestRequiresChallenge_StorageErrorRequiresChallenge(t *testing.T) {
	repo := &MockSessionRepository{
		SessionRepository: repositories.NewMemorySessionRepository(),
		GetLatestActiveFunc: func(ctx context.Context, userID, clientAddress string, now time.Time) (*models.MFASession, error) {
			return nil, errStorageDown
		},
	}
	env := newTestEnv(t, testOptions{sessionRepo: repo})

	_, err := env.sessions.CreateSession(context.Background(), "user-1", clientIP)
	require.NoError(t, err)

	assert.True(t, env.gate.RequiresChallenge(context.Background(), "user-1", approval(clientIP)))
}

func TestAuthorize_CommitBoundedBySessionExpiry(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	ctx := context.Background()

	grant, err := env.sessions.CreateSession(ctx, "user-1", clientIP)
	require.NoError(t, err)

	called := false
	err = env.gate.Authorize(ctx, "user-1", approval(clientIP), func(ctx context.Context) error {
		called = true
		deadline, ok := ctx.Deadline()
		assert.True(t, ok)
		assert.True(t, deadline.Equal(grant.ExpiresAt))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestAuthorize_WithoutSession(t *testing.T) {
	env := newTestEnv(t, testOptions{})

	err := env.gate.Authorize(context.Background(), "user-1", approval(clientIP), func(ctx context.Context) error {
		t.Fatal("commit must not run")
		return nil
	})
	assert.ErrorIs(t, err, models.ErrStepUpRequired)
}

func TestAuthorize_PropagatesCommitError(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	ctx := context.Background()

	_, err := env.sessions.CreateSession(ctx, "user-1", clientIP)
	require.NoError(t, err)

	err = env.gate.Authorize(ctx, "user-1", approval(clientIP), func(ctx context.Context) error {
		return models.ErrConflict
	})
	assert.ErrorIs(t, err, models.ErrConflict)
}
