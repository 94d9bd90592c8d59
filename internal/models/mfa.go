package models

import (
	"time"
)

// MFASecret is a user's TOTP key. A user has at most one pending and at most
// one confirmed secret at any time.
type MFASecret struct {
	UserID          string
	SecretEncrypted []byte // AES-256-GCM encrypted base32 secret
	SecretNonce     []byte // GCM nonce (12 bytes)
	Confirmed       bool
	LastUsedCounter *int64 // Highest accepted TOTP counter, for replay prevention
	BackupCodeSalt  []byte // Per-user salt for backup code hashes (confirmed only)
	CreatedAt       time.Time
	ConfirmedAt     *time.Time
}

// IsExpiredPending reports whether a pending secret is older than ttl.
func (s *MFASecret) IsExpiredPending(ttl time.Duration, now time.Time) bool {
	if s.Confirmed || ttl <= 0 {
		return false
	}
	return !now.Before(s.CreatedAt.Add(ttl))
}

// BackupCode is a single-use recovery credential. Only its salted hash is stored.
type BackupCode struct {
	UserID     string
	CodeHash   string
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// IsConsumed checks if the code has already been redeemed
func (c *BackupCode) IsConsumed() bool {
	return c.ConsumedAt != nil
}

// MFASession is a verified second factor bound to a client address.
type MFASession struct {
	ID           string
	TokenHash    string // SHA-256 of the opaque token; the token itself is never stored
	UserID       string
	BoundAddress string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Revoked      bool
	RevokedAt    *time.Time
	RevokeReason *string
}

// IsUsable reports whether the session may be trusted from clientAddress at now.
func (s *MFASession) IsUsable(clientAddress string, now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt) && clientAddress == s.BoundAddress
}

// Session revoke reasons
const (
	RevokeReasonSignOut       = "sign_out"
	RevokeReasonAddressChange = "address_change"
	RevokeReasonMFAReset      = "mfa_reset"
)

// SessionGrant is returned to the caller after a successful verification
type SessionGrant struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ActionContext describes the sensitive action a step-up decision is made for.
type ActionContext struct {
	Name          string
	ClientAddress string // Optional; when set the session must be bound to it
}

// Action names used by the built-in routes
const (
	ActionApproval = "approval"
	ActionMFAReset = "mfa_reset"
)

// EnrollmentStart is returned by BeginEnrollment
type EnrollmentStart struct {
	Secret          string    `json:"secret"`
	ProvisioningURI string    `json:"provisioning_uri"`
	QRCode          string    `json:"qr_code"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// MFAStatus summarizes a user's enrollment state
type MFAStatus struct {
	Enrolled             bool       `json:"enrolled"`
	ConfirmedAt          *time.Time `json:"confirmed_at"`
	PendingEnrollment    bool       `json:"pending_enrollment"`
	BackupCodesRemaining int        `json:"backup_codes_remaining"`
}
