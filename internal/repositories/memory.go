package repositories

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/kamino-stepup/internal/models"
)

// In-memory stores for single-instance deployments and tests. State is lost
// on restart.

type secretKey struct {
	userID    string
	confirmed bool
}

type backupKey struct {
	userID   string
	codeHash string
}

// MemorySecretRepository implements SecretRepository in process memory
type MemorySecretRepository struct {
	mu      sync.Mutex
	secrets map[secretKey]*models.MFASecret
	codes   map[backupKey]*models.BackupCode
}

func NewMemorySecretRepository() *MemorySecretRepository {
	return &MemorySecretRepository{
		secrets: make(map[secretKey]*models.MFASecret),
		codes:   make(map[backupKey]*models.BackupCode),
	}
}

func cloneSecret(s *models.MFASecret) *models.MFASecret {
	c := *s
	c.SecretEncrypted = bytes.Clone(s.SecretEncrypted)
	c.SecretNonce = bytes.Clone(s.SecretNonce)
	c.BackupCodeSalt = bytes.Clone(s.BackupCodeSalt)
	if s.LastUsedCounter != nil {
		v := *s.LastUsedCounter
		c.LastUsedCounter = &v
	}
	if s.ConfirmedAt != nil {
		v := *s.ConfirmedAt
		c.ConfirmedAt = &v
	}
	return &c
}

func (r *MemorySecretRepository) SavePending(_ context.Context, secret *models.MFASecret) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := cloneSecret(secret)
	s.Confirmed = false
	s.LastUsedCounter = nil
	s.BackupCodeSalt = nil
	s.ConfirmedAt = nil
	r.secrets[secretKey{secret.UserID, false}] = s
	return nil
}

func (r *MemorySecretRepository) GetPending(_ context.Context, userID string) (*models.MFASecret, error) {
	return r.get(userID, false)
}

func (r *MemorySecretRepository) GetConfirmed(_ context.Context, userID string) (*models.MFASecret, error) {
	return r.get(userID, true)
}

func (r *MemorySecretRepository) get(userID string, confirmed bool) (*models.MFASecret, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.secrets[secretKey{userID, confirmed}]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneSecret(s), nil
}

func (r *MemorySecretRepository) Promote(_ context.Context, userID string, pendingNonce []byte, counter int64, salt []byte, codeHashes []string, confirmedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, ok := r.secrets[secretKey{userID, false}]
	if !ok || !bytes.Equal(pending.SecretNonce, pendingNonce) {
		return models.ErrNotFound
	}

	for k := range r.codes {
		if k.userID == userID {
			delete(r.codes, k)
		}
	}

	confirmed := cloneSecret(pending)
	confirmed.Confirmed = true
	confirmed.ConfirmedAt = &confirmedAt
	confirmed.LastUsedCounter = &counter
	confirmed.BackupCodeSalt = bytes.Clone(salt)

	delete(r.secrets, secretKey{userID, false})
	r.secrets[secretKey{userID, true}] = confirmed

	for _, h := range codeHashes {
		r.codes[backupKey{userID, h}] = &models.BackupCode{UserID: userID, CodeHash: h, CreatedAt: confirmedAt}
	}
	return nil
}

func (r *MemorySecretRepository) AdvanceCounter(_ context.Context, userID string, nonce []byte, counter int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.secrets[secretKey{userID, true}]
	if !ok || !bytes.Equal(s.SecretNonce, nonce) {
		return false, nil
	}
	if s.LastUsedCounter != nil && *s.LastUsedCounter >= counter {
		return false, nil
	}
	s.LastUsedCounter = &counter
	return true, nil
}

func (r *MemorySecretRepository) ConsumeBackupCode(_ context.Context, userID, codeHash string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.codes[backupKey{userID, codeHash}]
	if !ok || c.IsConsumed() {
		return false, nil
	}
	c.ConsumedAt = &at
	return true, nil
}

func (r *MemorySecretRepository) CountUnusedBackupCodes(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for k, c := range r.codes {
		if k.userID == userID && !c.IsConsumed() {
			n++
		}
	}
	return n, nil
}

func (r *MemorySecretRepository) DeleteByUserID(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.secrets, secretKey{userID, false})
	delete(r.secrets, secretKey{userID, true})
	for k := range r.codes {
		if k.userID == userID {
			delete(r.codes, k)
		}
	}
	return nil
}

func (r *MemorySecretRepository) DeleteExpiredPending(_ context.Context, createdBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k, s := range r.secrets {
		if !k.confirmed && s.CreatedAt.Before(createdBefore) {
			delete(r.secrets, k)
			n++
		}
	}
	return n, nil
}

// MemorySessionRepository implements SessionRepository in process memory
type MemorySessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*models.MFASession
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: make(map[string]*models.MFASession)}
}

func cloneSession(s *models.MFASession) *models.MFASession {
	c := *s
	if s.RevokedAt != nil {
		v := *s.RevokedAt
		c.RevokedAt = &v
	}
	if s.RevokeReason != nil {
		v := *s.RevokeReason
		c.RevokeReason = &v
	}
	return &c
}

func (r *MemorySessionRepository) Create(_ context.Context, session *models.MFASession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.TokenHash]; exists {
		return models.ErrConflict
	}
	r.sessions[session.TokenHash] = cloneSession(session)
	return nil
}

func (r *MemorySessionRepository) GetByTokenHash(_ context.Context, tokenHash string) (*models.MFASession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[tokenHash]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneSession(s), nil
}

func revokeLocked(s *models.MFASession, reason string, now time.Time) {
	s.Revoked = true
	s.RevokedAt = &now
	s.RevokeReason = &reason
}

func (r *MemorySessionRepository) Revoke(_ context.Context, tokenHash, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[tokenHash]; ok && !s.Revoked {
		revokeLocked(s, reason, time.Now())
	}
	return nil
}

func (r *MemorySessionRepository) RevokeAllForUser(_ context.Context, userID, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := time.Now()
	for _, s := range r.sessions {
		if s.UserID == userID && !s.Revoked {
			revokeLocked(s, reason, now)
			n++
		}
	}
	return n, nil
}

func (r *MemorySessionRepository) GetLatestActive(_ context.Context, userID, clientAddress string, now time.Time) (*models.MFASession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *models.MFASession
	for _, s := range r.sessions {
		if s.UserID != userID || s.Revoked || !now.Before(s.ExpiresAt) {
			continue
		}
		if clientAddress != "" && s.BoundAddress != clientAddress {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, models.ErrNotFound
	}
	return cloneSession(latest), nil
}

func (r *MemorySessionRepository) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k, s := range r.sessions {
		if s.ExpiresAt.Before(cutoff) || (s.Revoked && s.RevokedAt != nil && s.RevokedAt.Before(cutoff)) {
			delete(r.sessions, k)
			n++
		}
	}
	return n, nil
}

// MemoryFailureCounter implements FailureCounter in process memory
type MemoryFailureCounter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func NewMemoryFailureCounter() *MemoryFailureCounter {
	return &MemoryFailureCounter{failures: make(map[string][]time.Time)}
}

func (c *MemoryFailureCounter) RecordFailure(_ context.Context, userID string, at time.Time, window time.Duration, limit int) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := at.Add(-window)
	kept := c.failures[userID][:0]
	count := 0
	for _, ts := range c.failures[userID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
			if !ts.After(at) {
				count++
			}
		}
	}
	c.failures[userID] = kept
	if limit > 0 && count >= limit {
		return count, false, nil
	}

	kept = append(kept, at)
	sort.Slice(kept, func(i, j int) bool { return kept[i].Before(kept[j]) })
	c.failures[userID] = kept
	return count + 1, true, nil
}

func (c *MemoryFailureCounter) Failures(_ context.Context, userID string, since time.Time) ([]time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []time.Time
	for _, ts := range c.failures[userID] {
		if ts.After(since) {
			out = append(out, ts)
		}
	}
	return out, nil
}

func (c *MemoryFailureCounter) Reset(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.failures, userID)
	return nil
}

// Prune drops failures older than cutoff for every user
func (c *MemoryFailureCounter) Prune(cutoff time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for user, list := range c.failures {
		kept := list[:0]
		for _, ts := range list {
			if ts.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, ts)
		}
		if len(kept) == 0 {
			delete(c.failures, user)
		} else {
			c.failures[user] = kept
		}
	}
	return n
}

// DeleteExpiredAttempts lets the cleanup job prune the in-memory backend
// the same way it prunes Postgres
func (c *MemoryFailureCounter) DeleteExpiredAttempts(_ context.Context, threshold time.Time) (int64, error) {
	return c.Prune(threshold), nil
}

var (
	_ SecretRepository  = (*MemorySecretRepository)(nil)
	_ SessionRepository = (*MemorySessionRepository)(nil)
	_ FailureCounter    = (*MemoryFailureCounter)(nil)
	_ SessionRepository = (*SessionRepositoryImpl)(nil)
	_ FailureCounter    = (*MFAAttemptRepository)(nil)
	_ FailureCounter    = (*RedisFailureCounter)(nil)
)
