package services

import (
	"context"
	"log/slog"

	"github.com/BradenHooton/kamino-stepup/pkg/logger"
)

// LogApprover records ad approvals in the audit log. Deployments that own
// the ad catalogue inject their own approver instead.
type LogApprover struct {
	logger *slog.Logger
	audit  *logger.AuditLogger
}

func NewLogApprover(logger *slog.Logger, audit *logger.AuditLogger) *LogApprover {
	return &LogApprover{logger: logger, audit: audit}
}

// ApproveAd records the approval. It respects ctx so a commit never outlives
// the MFA session that authorized it.
func (a *LogApprover) ApproveAd(ctx context.Context, adID, approverID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.audit.LogSessionEvent(logger.AuditEvent{
		EventType: logger.EventAdApproved,
		UserID:    approverID,
		Success:   true,
		Metadata:  map[string]string{"ad_id": adID},
	})
	a.logger.Info("ad approved", slog.String("ad_id", adID), slog.String("user_id", approverID))
	return nil
}
