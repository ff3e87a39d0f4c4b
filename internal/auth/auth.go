// Package auth enforces a static bearer-token contract: an
// "Authentication: token <token>" header required on every route the
// middleware wraps. internal/httpserver wraps the queue API routes and
// leaves "/", "/version", "/healthz", "/readyz" and "/metrics" open.
package auth

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/tqs-project/tqs/internal/httpserver"
)

// Authenticator validates the "Authentication: token <token>" header
// against a configured token. The token is held only as a bcrypt hash so it
// is never compared or logged in the clear.
type Authenticator struct {
	hash    []byte
	limiter *RateLimiter // nil disables rate limiting
}

// New creates an Authenticator for the given plaintext token. limiter may
// be nil, in which case failed attempts are not rate limited.
func New(token string, limiter *RateLimiter) (*Authenticator, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing api token: %w", err)
	}
	return &Authenticator{hash: hash, limiter: limiter}, nil
}

// Middleware returns an http middleware enforcing the token contract.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		if a.limiter != nil {
			result, err := a.limiter.Check(r.Context(), ip)
			if err == nil && !result.Allowed {
				httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many failed authentication attempts")
				return
			}
		}

		token, ok := parseToken(r.Header.Get("Authentication"))
		if !ok || bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
			if a.limiter != nil {
				_ = a.limiter.Record(r.Context(), ip)
			}
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid Authentication header")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NoAuth is a pass-through middleware used when no API token is configured.
func NoAuth(next http.Handler) http.Handler {
	return next
}

// parseToken extracts <token> from a "token <token>" header value.
func parseToken(header string) (string, bool) {
	const prefix = "token "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// clientIP returns the request's remote address without the port, falling
// back to the raw value if it can't be split.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
