// Package auth mints and validates the daemon's bearer tokens: the
// per-session mcp_token the loopback MCP server authenticates, and the
// per-task session token an executor presents when dialing back in.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthDisabled is returned when no signing secret is configured.
var ErrAuthDisabled = errors.New("auth: no signing secret configured")

// ErrInvalidToken is returned for any token that fails to parse,
// verify, or carry a session subject.
var ErrInvalidToken = errors.New("auth: invalid token")

// TokenService signs and verifies session-scoped bearer tokens.
type TokenService struct {
	secret []byte
	expiry time.Duration
}

// NewTokenService builds a TokenService. expiry of 0 issues non-expiring
// tokens.
func NewTokenService(secret string, expiry time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), expiry: expiry}
}

// Claims is the token payload: the session is the subject, with the task
// bound in when the token authorizes exactly one executor run.
type Claims struct {
	TaskID string `json:"task_id,omitempty"`
	jwt.RegisteredClaims
}

// Mint issues a signed token scoped to sessionID. taskID is empty for a
// session's long-lived mcp_token and set for a per-task executor token.
func (s *TokenService) Mint(sessionID, taskID string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.New("auth: session id required")
	}

	claims := Claims{
		TaskID: taskID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  sessionID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if s.expiry != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and verifies a token, returning the session and task it
// is scoped to.
func (s *TokenService) Validate(token string) (sessionID, taskID string, err error) {
	if s == nil || len(s.secret) == 0 {
		return "", "", ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", "", ErrInvalidToken
	}
	return claims.Subject, claims.TaskID, nil
}

// Authenticate implements the realtime hub's Authenticator contract: it
// accepts the raw Authorization header value (with or without a "Bearer "
// prefix) and returns the authenticated session as the caller identity.
func (s *TokenService) Authenticate(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer"))
	if token == "" {
		return "", ErrInvalidToken
	}
	sessionID, _, err := s.Validate(token)
	if err != nil {
		return "", err
	}
	return sessionID, nil
}
