package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/kamino-stepup/internal/auth"
	"github.com/BradenHooton/kamino-stepup/internal/models"
	"github.com/BradenHooton/kamino-stepup/internal/services"
	pkghttp "github.com/BradenHooton/kamino-stepup/pkg/http"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.10:5555"
	return req
}

// WithAuthContext adds user claims to request context for testing authenticated endpoints
func WithAuthContext(req *http.Request, userID, email string) *http.Request {
	claims := &models.TokenClaims{
		UserID: userID,
		Email:  email,
		Type:   models.TokenTypeAccess,
	}
	ctx := context.WithValue(req.Context(), auth.UserContextKey, claims)
	return req.WithContext(ctx)
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockEnrollmentManager implements EnrollmentManager for testing
type MockEnrollmentManager struct {
	BeginFunc   func(ctx context.Context, userID, accountName string, replace bool) (*models.EnrollmentStart, error)
	ConfirmFunc func(ctx context.Context, userID, code, email string) ([]string, error)
	ResetFunc   func(ctx context.Context, userID string) error
	StatusFunc  func(ctx context.Context, userID string) (*models.MFAStatus, error)
}

func (m *MockEnrollmentManager) BeginEnrollment(ctx context.Context, userID, accountName string, replace bool) (*models.EnrollmentStart, error) {
	if m.BeginFunc == nil {
		return &models.EnrollmentStart{}, nil
	}
	return m.BeginFunc(ctx, userID, accountName, replace)
}

func (m *MockEnrollmentManager) ConfirmEnrollment(ctx context.Context, userID, code, email string) ([]string, error) {
	if m.ConfirmFunc == nil {
		return nil, models.ErrInvalidCode
	}
	return m.ConfirmFunc(ctx, userID, code, email)
}

func (m *MockEnrollmentManager) ResetEnrollment(ctx context.Context, userID string) error {
	if m.ResetFunc == nil {
		return nil
	}
	return m.ResetFunc(ctx, userID)
}

func (m *MockEnrollmentManager) Status(ctx context.Context, userID string) (*models.MFAStatus, error) {
	if m.StatusFunc == nil {
		return &models.MFAStatus{}, nil
	}
	return m.StatusFunc(ctx, userID)
}

// MockCodeVerifier implements CodeVerifier for testing
type MockCodeVerifier struct {
	VerifyFunc func(ctx context.Context, req services.VerifyRequest) (*models.SessionGrant, error)
}

func (m *MockCodeVerifier) Verify(ctx context.Context, req services.VerifyRequest) (*models.SessionGrant, error) {
	if m.VerifyFunc == nil {
		return nil, models.ErrInvalidCode
	}
	return m.VerifyFunc(ctx, req)
}

// MockSessionChecker implements SessionChecker for testing
type MockSessionChecker struct {
	ValidateFunc func(ctx context.Context, token, clientAddress string) bool
	RevokeFunc   func(ctx context.Context, token string) error
}

func (m *MockSessionChecker) ValidateSession(ctx context.Context, token, clientAddress string) bool {
	if m.ValidateFunc == nil {
		return false
	}
	return m.ValidateFunc(ctx, token, clientAddress)
}

func (m *MockSessionChecker) RevokeSession(ctx context.Context, token string) error {
	if m.RevokeFunc == nil {
		return nil
	}
	return m.RevokeFunc(ctx, token)
}

// MockChallengeDecider implements ChallengeDecider for testing
type MockChallengeDecider struct {
	RequiresChallengeFunc func(ctx context.Context, userID string, action models.ActionContext) bool
}

func (m *MockChallengeDecider) RequiresChallenge(ctx context.Context, userID string, action models.ActionContext) bool {
	if m.RequiresChallengeFunc == nil {
		return true
	}
	return m.RequiresChallengeFunc(ctx, userID, action)
}

// MockAdApprover implements AdApprover for testing
type MockAdApprover struct {
	ApproveAdFunc func(ctx context.Context, adID, approverID string) error
}

func (m *MockAdApprover) ApproveAd(ctx context.Context, adID, approverID string) error {
	if m.ApproveAdFunc == nil {
		return nil
	}
	return m.ApproveAdFunc(ctx, adID, approverID)
}

type testMocks struct {
	enrollment *MockEnrollmentManager
	verifier   *MockCodeVerifier
	sessions   *MockSessionChecker
	gate       *MockChallengeDecider
}

func newTestMFAHandler() (*MFAHandler, *testMocks) {
	m := &testMocks{
		enrollment: &MockEnrollmentManager{},
		verifier:   &MockCodeVerifier{},
		sessions:   &MockSessionChecker{},
		gate:       &MockChallengeDecider{},
	}
	return NewMFAHandler(m.enrollment, m.verifier, m.sessions, m.gate, discardLogger()), m
}
