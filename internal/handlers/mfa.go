package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/kamino-stepup/internal/auth"
	"github.com/BradenHooton/kamino-stepup/internal/models"
	"github.com/BradenHooton/kamino-stepup/internal/services"
	pkghttp "github.com/BradenHooton/kamino-stepup/pkg/http"
)

// EnrollmentManager is the enrollment surface used by MFAHandler
type EnrollmentManager interface {
	BeginEnrollment(ctx context.Context, userID, accountName string, replace bool) (*models.EnrollmentStart, error)
	ConfirmEnrollment(ctx context.Context, userID, code, email string) ([]string, error)
	ResetEnrollment(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (*models.MFAStatus, error)
}

// CodeVerifier checks a second factor and mints an MFA session
type CodeVerifier interface {
	Verify(ctx context.Context, req services.VerifyRequest) (*models.SessionGrant, error)
}

// SessionChecker validates and revokes MFA sessions
type SessionChecker interface {
	ValidateSession(ctx context.Context, token, clientAddress string) bool
	RevokeSession(ctx context.Context, token string) error
}

// ChallengeDecider answers step-up queries
type ChallengeDecider interface {
	RequiresChallenge(ctx context.Context, userID string, action models.ActionContext) bool
}

// MFAHandler handles MFA-related HTTP requests
type MFAHandler struct {
	enrollment EnrollmentManager
	verifier   CodeVerifier
	sessions   SessionChecker
	gate       ChallengeDecider
	logger     *slog.Logger
}

// NewMFAHandler creates a new MFA handler
func NewMFAHandler(enrollment EnrollmentManager, verifier CodeVerifier, sessions SessionChecker, gate ChallengeDecider, logger *slog.Logger) *MFAHandler {
	return &MFAHandler{
		enrollment: enrollment,
		verifier:   verifier,
		sessions:   sessions,
		gate:       gate,
		logger:     logger,
	}
}

// BeginEnrollment handles POST /mfa/enrollment
func (h *MFAHandler) BeginEnrollment(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req BeginEnrollmentRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}

	accountName := user.Email
	if accountName == "" {
		accountName = user.UserID
	}

	start, err := h.enrollment.BeginEnrollment(r.Context(), user.UserID, accountName, req.Replace)
	if err != nil {
		h.writeServiceError(w, err, "failed to begin MFA enrollment", user.UserID)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, start)
}

// ConfirmEnrollment handles POST /mfa/enrollment/confirm
func (h *MFAHandler) ConfirmEnrollment(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req ConfirmEnrollmentRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	codes, err := h.enrollment.ConfirmEnrollment(r.Context(), user.UserID, req.Code, user.Email)
	if err != nil {
		h.writeServiceError(w, err, "failed to confirm MFA enrollment", user.UserID)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, ConfirmEnrollmentResponse{BackupCodes: codes})
}

// ResetEnrollment handles DELETE /mfa/enrollment. The route is guarded by
// a step-up check.
func (h *MFAHandler) ResetEnrollment(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	if err := h.enrollment.ResetEnrollment(r.Context(), user.UserID); err != nil {
		h.writeServiceError(w, err, "failed to reset MFA enrollment", user.UserID)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, OKResponse{OK: true})
}

// Status handles GET /mfa/status
func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	status, err := h.enrollment.Status(r.Context(), user.UserID)
	if err != nil {
		h.writeServiceError(w, err, "failed to load MFA status", user.UserID)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, status)
}

// Verify handles POST /mfa/verify and returns a new MFA session token
func (h *MFAHandler) Verify(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req VerifyCodeRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	code := req.Code
	isBackup := req.Type == CodeTypeBackup
	if req.Type == "" {
		isBackup = !isTOTPCodeFormat(code)
	}
	if isBackup {
		code = auth.NormalizeBackupCode(code)
	}

	if !isValidMFACodeFormat(code) || isBackup == isTOTPCodeFormat(code) {
		pkghttp.WriteBadRequest(w, "Invalid code format")
		return
	}

	grant, err := h.verifier.Verify(r.Context(), services.VerifyRequest{
		UserID:        user.UserID,
		Code:          code,
		IsBackupCode:  isBackup,
		ClientAddress: pkghttp.ClientIP(r),
		Email:         user.Email,
	})
	if err != nil {
		h.writeServiceError(w, err, "MFA verification failed", user.UserID)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, grant)
}

// ValidateSession handles POST /mfa/sessions/validate. It answers 200 with
// a boolean for every well-formed request.
func (h *MFAHandler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionTokenRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	valid := h.sessions.ValidateSession(r.Context(), req.SessionToken, pkghttp.ClientIP(r))
	pkghttp.WriteJSON(w, http.StatusOK, ValidateSessionResponse{Valid: valid})
}

// RevokeSession handles POST /mfa/sessions/revoke. Unknown tokens succeed.
func (h *MFAHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	var req SessionTokenRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.sessions.RevokeSession(r.Context(), req.SessionToken); err != nil {
		h.writeServiceError(w, err, "failed to revoke MFA session", "")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, OKResponse{OK: true})
}

// StepUp handles POST /mfa/step-up
func (h *MFAHandler) StepUp(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req StepUpRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	required := h.gate.RequiresChallenge(r.Context(), user.UserID, models.ActionContext{
		Name:          req.Action,
		ClientAddress: pkghttp.ClientIP(r),
	})

	pkghttp.WriteJSON(w, http.StatusOK, StepUpResponse{Required: required})
}

// writeServiceError maps service sentinels to HTTP responses. Internal
// detail stays in the log.
func (h *MFAHandler) writeServiceError(w http.ResponseWriter, err error, msg, userID string) {
	switch {
	case errors.Is(err, models.ErrTooManyAttempts):
		pkghttp.WriteTooManyRequests(w, models.RetryAfter(err))
	case errors.Is(err, models.ErrInvalidCode):
		pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_code", "Invalid code")
	case errors.Is(err, models.ErrNotEnrolled):
		pkghttp.WriteError(w, http.StatusNotFound, "mfa_not_enrolled", "MFA is not enrolled")
	case errors.Is(err, models.ErrAlreadyEnrolled):
		pkghttp.WriteError(w, http.StatusConflict, "mfa_already_enrolled", "MFA is already enrolled; set replace to re-enroll")
	case errors.Is(err, models.ErrVerificationUnavailable):
		h.logger.Error(msg, slog.String("user_id", userID), slog.Any("error", err))
		pkghttp.WriteServiceUnavailable(w, "Verification is temporarily unavailable")
	default:
		h.logger.Error(msg, slog.String("user_id", userID), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
