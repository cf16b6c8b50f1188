package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

type TokenType string

const TokenTypeAccess TokenType = "access"

var (
	ErrTokenType       = errors.New("token_type mismatch")
	ErrMissingIdentity = errors.New("user_id and role are required")
	ErrSubjectMismatch = errors.New("sub does not match user_id")
)

// Claims identify a caller, a listener or an admin on both the REST API and
// the websocket. The same token authenticates a socket through ?token=.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}

// Validate runs after the registered claims checks during parsing.
func (c Claims) Validate() error {
	if c.TokenType != TokenTypeAccess {
		return ErrTokenType
	}
	if c.UserID == "" || c.Role == "" {
		return ErrMissingIdentity
	}
	if c.Subject != "" && c.Subject != c.UserID {
		return ErrSubjectMismatch
	}
	return nil
}
