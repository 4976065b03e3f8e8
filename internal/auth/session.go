package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/accountdesk/apiserver/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is the lifetime of a session token.
const TokenTTL = 24 * time.Hour

const (
	msgNotAuthenticated   = "User not authenticated."
	msgVerificationFailed = "Token verification failed. Please log in again."
)

// Identity is the verified subject of a session token.
type Identity struct {
	UserID int
}

// Token is a signed session credential.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// SessionManager issues and verifies stateless HS256 session tokens. It is
// safe for concurrent use; the secret is never modified after construction.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessionManager(secret string) (*SessionManager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session secret is required")
	}
	return &SessionManager{
		secret: []byte(secret),
		ttl:    TokenTTL,
		now:    time.Now,
	}, nil
}

// WithClock returns a copy of the manager that reads time from now.
func (m *SessionManager) WithClock(now func() time.Time) *SessionManager {
	clone := *m
	clone.now = now
	return &clone
}

// TTL returns the configured token lifetime.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Issue signs a token bound to userID.
func (m *SessionManager) Issue(userID int) (Token, error) {
	if userID < 1 {
		return Token{}, errors.New("invalid user id")
	}
	now := m.now()
	expiresAt := now.Add(m.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.Itoa(userID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Token{}, err
	}
	return Token{Value: signed, ExpiresAt: expiresAt}, nil
}

// VerifySession checks the token signature and expiry and returns the
// embedded identity. Every failure is an authentication error.
func (m *SessionManager) VerifySession(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperr.Authentication(msgNotAuthenticated)
	}

	subject, err := m.parseSubject(token)
	if err != nil {
		return Identity{}, apperr.Authentication(msgVerificationFailed)
	}

	userID, err := strconv.Atoi(subject)
	if err != nil || userID < 1 {
		return Identity{}, apperr.Authentication(msgVerificationFailed)
	}
	return Identity{UserID: userID}, nil
}

func (m *SessionManager) parseSubject(tokenString string) (string, error) {
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("missing subject")
	}
	return claims.Subject, nil
}

// Guard turns a raw credential claim into a verified identity or a
// rejection. It is independent of any transport.
type Guard func(ctx context.Context, claim string) (Identity, error)

// Guard returns a Guard backed by the manager.
func (m *SessionManager) Guard() Guard {
	return func(ctx context.Context, claim string) (Identity, error) {
		if err := ctx.Err(); err != nil {
			return Identity{}, err
		}
		return m.VerifySession(claim)
	}
}

type contextKey struct{}

// WithIdentity stores a verified identity on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	if !ok || id.UserID < 1 {
		return Identity{}, false
	}
	return id, true
}
