package logger

import (
	"context"
	"log/slog"
	"time"
)

// MFA audit event types
const (
	EventEnrollmentStarted   = "mfa_enrollment_started"
	EventEnrollmentConfirmed = "mfa_enrollment_confirmed"
	EventEnrollmentReset     = "mfa_enrollment_reset"
	EventVerifyTOTP          = "mfa_verify_totp"
	EventVerifyBackupCode    = "mfa_verify_backup_code"
	EventLockout             = "mfa_lockout"

	EventSessionCreated       = "mfa_session_created"
	EventSessionRevoked       = "mfa_session_revoked"
	EventSessionRevokedAll    = "mfa_session_revoked_all"
	EventSessionAddressChange = "mfa_session_address_change"
	EventStepUpRequired       = "mfa_step_up_required"
	EventAdApproved           = "ad_approved"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	EventType     string
	UserID        string
	IPAddress     string
	Success       bool
	FailureReason string
	Metadata      map[string]string
}

// AuditLogger provides audit logging functionality
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogMFAEvent logs enrollment and verification events. Codes and secrets
// must never be passed in Metadata.
func (al *AuditLogger) LogMFAEvent(event AuditEvent) {
	al.log("mfa", event)
}

// LogSessionEvent logs MFA session lifecycle events
func (al *AuditLogger) LogSessionEvent(event AuditEvent) {
	al.log("session", event)
}

func (al *AuditLogger) log(auditType string, event AuditEvent) {
	if al == nil {
		return
	}

	attrs := []slog.Attr{
		slog.String("audit_type", auditType),
		slog.String("event_type", event.EventType),
		slog.Bool("success", event.Success),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.FailureReason != "" {
		attrs = append(attrs, slog.String("failure_reason", event.FailureReason))
	}

	for key, val := range event.Metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	if event.Success {
		al.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", attrs...)
	} else {
		al.logger.LogAttrs(context.Background(), slog.LevelWarn, "audit", attrs...)
	}
}
