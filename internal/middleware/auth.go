// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// PrincipalKey is the context key for the authenticated client principal.
	PrincipalKey ContextKey = "principal"
)

// Claims are the JWT claims accepted when a signing secret is configured.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scope"`
}

// Auth authenticates requests with a static bearer key or, when jwtSecret
// is set, an HMAC-signed JWT whose subject becomes the principal. An empty
// apiKey disables authentication entirely (local development).
//
// Rejected requests are answered before any other handler runs, so they
// never count against per-principal rate windows.
func Auth(apiKey, jwtSecret string, expose bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principalFrom(r, ""))))
				return
			}

			token := bearerToken(r)
			if token == "" {
				writeError(w, apperr.New(apperr.KindUnauthenticated, "missing authorization header"), expose)
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1 {
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principalFrom(r, ""))))
				return
			}

			if jwtSecret != "" {
				claims := &Claims{}
				parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, jwt.ErrSignatureInvalid
					}
					return []byte(jwtSecret), nil
				})
				if err == nil && parsed.Valid {
					next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principalFrom(r, claims.Subject))))
					return
				}
			}

			writeError(w, apperr.New(apperr.KindUnauthenticated, "invalid token"), expose)
		})
	}
}

func withPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// GetPrincipal returns the client principal from the request context.
func GetPrincipal(ctx context.Context) string {
	if v := ctx.Value(PrincipalKey); v != nil {
		return v.(string)
	}
	return ""
}

// principalFrom picks the rate-limit identity for a request: the JWT
// subject when present, then the X-User-ID header, then the client IP.
func principalFrom(r *http.Request, subject string) string {
	if subject != "" {
		return subject
	}
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return clientIP(r)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, err error, expose bool) {
	body := apperr.ToBody(err, expose)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(apperr.Kind(body.Error)))
	json.NewEncoder(w).Encode(body)
}
