package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// Primary token types accepted by the bearer middleware
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// TokenClaims are the claims of the primary-session bearer token issued by
// the identity service in front of this one.
type TokenClaims struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}
