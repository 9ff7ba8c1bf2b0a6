package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
	"github.com/promptforge-ai/codegen-platform/internal/ratelimit"
	"github.com/promptforge-ai/codegen-platform/pkg/logger"
)

func okHandler(principals *[]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principals != nil {
			*principals = append(*principals, GetPrincipal(r.Context()))
		}
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(h http.Handler, header http.Header) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	r.RemoteAddr = "10.0.0.1:5000"
	for k, vs := range header {
		r.Header.Set(k, vs[len(vs)-1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

func TestAuthStaticKey(t *testing.T) {
	h := Auth("secret", "", true)(okHandler(nil))

	if w := doRequest(h, bearer("secret")); w.Code != http.StatusOK {
		t.Fatalf("valid key status = %d", w.Code)
	}
	if w := doRequest(h, bearer("wrong")); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", w.Code)
	}
	w := doRequest(h, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing header status = %d", w.Code)
	}
	var body apperr.Body
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != string(apperr.KindUnauthenticated) {
		t.Fatalf("body.error = %q", body.Error)
	}
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	var principals []string
	h := Auth("", "", true)(okHandler(&principals))

	if w := doRequest(h, nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with auth disabled", w.Code)
	}
	if len(principals) != 1 || principals[0] != "10.0.0.1" {
		t.Fatalf("principal = %v, want client ip", principals)
	}
}

func TestAuthJWTSubjectBecomesPrincipal(t *testing.T) {
	secret := "signing-secret"
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var principals []string
	h := Auth("api-key", secret, true)(okHandler(&principals))

	if w := doRequest(h, bearer(signed)); w.Code != http.StatusOK {
		t.Fatalf("jwt status = %d", w.Code)
	}
	if len(principals) != 1 || principals[0] != "user-42" {
		t.Fatalf("principal = %v, want jwt subject", principals)
	}

	// A token signed with the wrong secret is rejected.
	bad, _ := token.SignedString([]byte("other"))
	if w := doRequest(h, bearer(bad)); w.Code != http.StatusUnauthorized {
		t.Fatalf("forged jwt status = %d", w.Code)
	}
}

func TestPrincipalHeaderOverridesIP(t *testing.T) {
	var principals []string
	h := Auth("secret", "", true)(okHandler(&principals))

	header := bearer("secret")
	header.Set("X-User-ID", "alice")
	doRequest(h, header)
	if len(principals) != 1 || principals[0] != "alice" {
		t.Fatalf("principal = %v, want header value", principals)
	}
}

func TestPrincipalRateLimitWindow(t *testing.T) {
	limiter := ratelimit.New(time.Minute, 2)
	defer limiter.Stop()

	h := Auth("secret", "", true)(PrincipalRateLimit(limiter, true)(okHandler(nil)))
	header := bearer("secret")
	header.Set("X-User-ID", "bob")

	first := doRequest(h, header)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	if got := first.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Fatalf("remaining after first = %q, want 1", got)
	}

	doRequest(h, header)
	third := doRequest(h, header)
	if third.Code != http.StatusTooManyRequests {
		t.Fatalf("third status = %d, want 429", third.Code)
	}
	if third.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
	var body apperr.Body
	if err := json.Unmarshal(third.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != string(apperr.KindRateLimited) || body.RetryAfter <= 0 {
		t.Fatalf("body = %+v", body)
	}
}

func TestRateLimitIsolatesPrincipals(t *testing.T) {
	limiter := ratelimit.New(time.Minute, 1)
	defer limiter.Stop()

	h := Auth("secret", "", true)(PrincipalRateLimit(limiter, true)(okHandler(nil)))

	alice := bearer("secret")
	alice.Set("X-User-ID", "alice")
	carol := bearer("secret")
	carol.Set("X-User-ID", "carol")

	doRequest(h, alice)
	if w := doRequest(h, alice); w.Code != http.StatusTooManyRequests {
		t.Fatalf("alice second status = %d", w.Code)
	}
	if w := doRequest(h, carol); w.Code != http.StatusOK {
		t.Fatalf("carol status = %d, her window is separate", w.Code)
	}
}

func TestRejectedAuthDoesNotConsumeWindow(t *testing.T) {
	limiter := ratelimit.New(time.Minute, 1)
	defer limiter.Stop()

	h := Auth("secret", "", true)(PrincipalRateLimit(limiter, true)(okHandler(nil)))
	header := bearer("wrong")
	header.Set("X-User-ID", "dave")

	for i := 0; i < 5; i++ {
		if w := doRequest(h, header); w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	}

	// The principal still has a fresh window after the rejected attempts.
	good := bearer("secret")
	good.Set("X-User-ID", "dave")
	if w := doRequest(h, good); w.Code != http.StatusOK {
		t.Fatalf("status = %d, rejected requests must not consume the window", w.Code)
	}
}

func TestLoggingSetsRequestID(t *testing.T) {
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("request id missing from context")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	w := doRequest(h, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("response must echo a request id")
	}

	header := http.Header{}
	header.Set("X-Request-ID", "fixed-id")
	w = doRequest(h, header)
	if got := w.Header().Get("X-Request-ID"); got != "fixed-id" {
		t.Fatalf("request id = %q, want the caller's id echoed", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := doRequest(h, nil)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
}
