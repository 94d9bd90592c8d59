package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/kamino-stepup/internal/auth"
	"github.com/BradenHooton/kamino-stepup/internal/models"
	pkghttp "github.com/BradenHooton/kamino-stepup/pkg/http"
	"github.com/go-chi/chi/v5"
)

// AdApprover performs the business action behind POST /ads/{id}/approve
type AdApprover interface {
	ApproveAd(ctx context.Context, adID, approverID string) error
}

// ApprovalHandler exposes a sensitive action guarded by step-up
type ApprovalHandler struct {
	approver AdApprover
	logger   *slog.Logger
}

func NewApprovalHandler(approver AdApprover, logger *slog.Logger) *ApprovalHandler {
	return &ApprovalHandler{approver: approver, logger: logger}
}

// Approve handles POST /ads/{id}/approve. The request context carries the
// authorizing MFA session's expiry as its deadline.
func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	adID := chi.URLParam(r, "id")
	if adID == "" {
		pkghttp.WriteBadRequest(w, "ad id is required")
		return
	}

	err := h.approver.ApproveAd(r.Context(), adID, user.UserID)
	switch {
	case err == nil:
		pkghttp.WriteJSON(w, http.StatusOK, OKResponse{OK: true})
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Ad not found")
	case errors.Is(err, context.DeadlineExceeded):
		// The MFA session expired mid-commit
		pkghttp.WriteStepUpRequired(w, models.ActionApproval)
	default:
		h.logger.Error("failed to approve ad",
			slog.String("ad_id", adID),
			slog.String("user_id", user.UserID),
			slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
