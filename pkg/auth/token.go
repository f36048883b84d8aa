package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var parser = jwt.NewParser(jwt.WithoutClaimsValidation())

// ParseUnverified decodes the access token claims without checking the
// signature. The client never holds the signing key; the server remains the
// authority and rejects bad tokens with 401.
func ParseUnverified(tokenString string) (*AccessTokenClaims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, fmt.Errorf("access token is empty")
	}
	claims := &AccessTokenClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("decoding access token: %w", err)
	}
	return claims, nil
}

// UserIDFromToken returns the identity carried by tokenString, or "" when the
// token is absent or cannot be decoded.
func UserIDFromToken(tokenString string) string {
	claims, err := ParseUnverified(tokenString)
	if err != nil {
		return ""
	}
	return claims.Identity()
}
