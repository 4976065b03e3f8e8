package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/accountdesk/apiserver/internal/auth"
	"github.com/accountdesk/apiserver/internal/metrics"
)

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = "token"

const msgNotAuthenticated = "User not authenticated."

// CookieOptions controls the attributes of the session cookie.
type CookieOptions struct {
	Secure bool
	TTL    time.Duration
}

func (o CookieOptions) session(token auth.Token) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    token.Value,
		Path:     "/",
		MaxAge:   int(o.TTL / time.Second),
		Expires:  token.ExpiresAt,
		HttpOnly: true,
		Secure:   o.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// expired returns a cookie that makes the client drop its session.
func (o CookieOptions) expired() *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   o.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// RequireSession verifies the session claim with guard and stores the
// identity on the request context. Rejected requests never reach next.
func RequireSession(guard auth.Guard, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := guard(r.Context(), sessionClaim(r))
			if err != nil {
				metrics.SessionRejections.Inc()
				writeServiceError(w, r, logger, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// sessionClaim returns the raw token from the session cookie, falling back
// to an Authorization bearer header. It returns "" when neither is present.
func sessionClaim(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return cookie.Value
	}
	token, err := bearerToken(r)
	if err != nil {
		return ""
	}
	return token
}

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}

func identity(r *http.Request) (auth.Identity, bool) {
	return auth.IdentityFromContext(r.Context())
}
