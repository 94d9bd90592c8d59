package handlers

// Enrollment DTOs

// BeginEnrollmentRequest starts enrollment. The body is optional.
type BeginEnrollmentRequest struct {
	// Replace acknowledges that a confirmed factor will be replaced
	Replace bool `json:"replace"`
}

// ConfirmEnrollmentRequest proves possession of the pending secret
type ConfirmEnrollmentRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// ConfirmEnrollmentResponse carries the backup codes. They are shown once.
type ConfirmEnrollmentResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// Verification DTOs

// Code types accepted by POST /mfa/verify
const (
	CodeTypeTOTP   = "totp"
	CodeTypeBackup = "backup_code"
)

// VerifyCodeRequest is a TOTP (6 digits) or backup code (8 chars) attempt.
// When Type is empty it is inferred from the code's shape.
type VerifyCodeRequest struct {
	Code string `json:"code" validate:"required,max=20"`
	Type string `json:"type" validate:"omitempty,oneof=totp backup_code"`
}

// Session DTOs

// SessionTokenRequest identifies an MFA session by its opaque token
type SessionTokenRequest struct {
	SessionToken string `json:"session_token" validate:"required,max=128"`
}

// ValidateSessionResponse never says why a session is unusable
type ValidateSessionResponse struct {
	Valid bool `json:"valid"`
}

// Step-up DTOs

// StepUpRequest asks whether action needs a fresh challenge
type StepUpRequest struct {
	Action string `json:"action" validate:"required,max=64"`
}

// StepUpResponse answers a StepUpRequest
type StepUpResponse struct {
	Required bool `json:"required"`
}

// OKResponse acknowledges an operation with no other result
type OKResponse struct {
	OK bool `json:"ok"`
}
