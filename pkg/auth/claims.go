package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenClaims is the subset of the server-issued JWT the client reads.
type AccessTokenClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Identity returns the user id carried by the token, falling back to sub.
func (c *AccessTokenClaims) Identity() string {
	if c == nil {
		return ""
	}
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// ExpiresWithin reports whether the token expires before now+window. Tokens
// without exp never expire.
func (c *AccessTokenClaims) ExpiresWithin(now time.Time, window time.Duration) bool {
	if c == nil || c.ExpiresAt == nil {
		return false
	}
	return !c.ExpiresAt.Time.After(now.Add(window))
}
