package auth

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Admin sessions are HS256 bearer tokens issued by the collector's
// login endpoint. The collector has exactly one privileged role;
// validation rejects anything else.
const (
	sessionIssuer = "server-status-collector"
	adminRole     = "admin"
)

type SessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// NewAdminSession issues the bearer token returned by a successful
// admin login.
func NewAdminSession(username, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	if username == "" {
		return "", errors.New("username is required")
	}

	now := time.Now()
	claims := SessionClaims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateAdminSession verifies a session token: HS256 only, issued
// by this collector, carrying the admin role, not expired.
func ValidateAdminSession(tokenString, secret string) (*SessionClaims, error) {
	if secret == "" {
		return nil, errors.New("secret is required")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid session token")
	}
	if claims.Issuer != sessionIssuer {
		return nil, errors.New("unknown token issuer")
	}
	if claims.Role != adminRole {
		return nil, errors.New("not an admin session")
	}

	return claims, nil
}
