package routes

import (
	"github.com/BradenHooton/kamino-stepup/internal/auth"
	"github.com/BradenHooton/kamino-stepup/internal/handlers"
	"github.com/BradenHooton/kamino-stepup/internal/middleware"
	"github.com/BradenHooton/kamino-stepup/internal/models"
	"github.com/go-chi/chi/v5"
)

// Dependencies are the handlers and guards the routes are built from
type Dependencies struct {
	MFA             *handlers.MFAHandler
	Approval        *handlers.ApprovalHandler
	TokenManager    *auth.TokenManager
	StepUp          middleware.StepUpAuthorizer
	VerifyRateLimit middleware.RateLimitConfig
}

// RegisterRoutes registers all application routes. Every route requires a
// primary bearer token.
func RegisterRoutes(router chi.Router, deps Dependencies) {
	verifyLimit := deps.VerifyRateLimit
	if verifyLimit.RequestsPerMinute <= 0 {
		verifyLimit = middleware.DefaultVerifyRateLimit()
	}

	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(deps.TokenManager))

		r.Route("/mfa", func(r chi.Router) {
			r.Post("/enrollment", deps.MFA.BeginEnrollment)
			r.Get("/status", deps.MFA.Status)
			r.Post("/step-up", deps.MFA.StepUp)

			// Code-checking endpoints
			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimitByIP(verifyLimit))
				r.Use(middleware.RateLimitByUserID(verifyLimit))
				r.Post("/enrollment/confirm", deps.MFA.ConfirmEnrollment)
				r.Post("/verify", deps.MFA.Verify)
			})

			r.Post("/sessions/validate", deps.MFA.ValidateSession)
			r.Post("/sessions/revoke", deps.MFA.RevokeSession)

			r.With(middleware.RequireStepUp(deps.StepUp, models.ActionMFAReset)).
				Delete("/enrollment", deps.MFA.ResetEnrollment)
		})

		r.With(middleware.RequireStepUp(deps.StepUp, models.ActionApproval)).
			Post("/ads/{id}/approve", deps.Approval.Approve)
	})
}
