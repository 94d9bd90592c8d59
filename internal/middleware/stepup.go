package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/BradenHooton/kamino-stepup/internal/auth"
	"github.com/BradenHooton/kamino-stepup/internal/models"
	pkghttp "github.com/BradenHooton/kamino-stepup/pkg/http"
)

// StepUpAuthorizer runs commit only when the user has a recent MFA session
type StepUpAuthorizer interface {
	Authorize(ctx context.Context, userID string, action models.ActionContext, commit func(ctx context.Context) error) error
}

// RequireStepUp guards a route behind a verified second factor for action.
// It must run after auth.AuthMiddleware. The wrapped handler's context ends
// when the authorizing MFA session expires.
func RequireStepUp(gate StepUpAuthorizer, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := auth.GetUserFromContext(r)
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "authentication required")
				return
			}

			actionCtx := models.ActionContext{Name: action, ClientAddress: pkghttp.ClientIP(r)}
			err := gate.Authorize(r.Context(), claims.UserID, actionCtx, func(ctx context.Context) error {
				next.ServeHTTP(w, r.WithContext(ctx))
				return nil
			})
			if errors.Is(err, models.ErrStepUpRequired) {
				pkghttp.WriteStepUpRequired(w, action)
			}
		})
	}
}
