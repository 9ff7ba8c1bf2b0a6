package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
	"github.com/promptforge-ai/codegen-platform/internal/ratelimit"
	"github.com/promptforge-ai/codegen-platform/pkg/metrics"
)

// IPRateLimit is a coarse per-IP limit applied before authentication.
// It shields the auth path itself from abuse; the per-principal window
// below is the one clients are expected to hit first.
func IPRateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RateLimitRejections.WithLabelValues("ip").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(windowLength/time.Second)))
			writeError(w, apperr.RateLimited(int(windowLength/time.Second)), true)
		}),
	)
}

// PrincipalRateLimit enforces the per-client fixed window shared with the
// socket gateway. It runs after Auth so the key is the resolved principal,
// and every response carries the window state headers.
func PrincipalRateLimit(limiter *ratelimit.Limiter, expose bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := limiter.Allow(GetPrincipal(r.Context()))

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))

			if !decision.Allowed {
				metrics.RateLimitRejections.WithLabelValues("http").Inc()
				retry := decision.RetryAfterSeconds()
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, apperr.RateLimited(retry), expose)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
