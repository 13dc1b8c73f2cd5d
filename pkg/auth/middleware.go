package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"

	"github.com/rhuss/drivercore/pkg/debug"
	"github.com/rhuss/drivercore/pkg/observability"
)

// DefaultBypassEndpoints lists endpoints that skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}

// Middleware authenticates each request with chain and, when limiter is
// set, enforces rate limits. The identity is stored in the request context.
func Middleware(chain *Chain, limiter RateLimiter, bypassEndpoints []string) func(http.Handler) http.Handler {
	bypass := slices.Clone(bypassEndpoints)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(bypass, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			result := chain.Authenticate(r.Context(), r)
			if result.Decision != Yes || result.Identity == nil {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", result.Err,
				)
				writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
				return
			}
			if result.Identity.Subject == "" {
				slog.Error("authenticator returned identity with empty subject")
				writeError(w, http.StatusInternalServerError, "internal", "internal authentication error")
				return
			}

			debug.Log("auth", "authenticated",
				"subject", result.Identity.Subject,
				"tier", result.Identity.Tier(),
				"path", r.URL.Path,
			)

			if limiter != nil {
				if err := limiter.Allow(r.Context(), result.Identity); err != nil {
					slog.Warn("rate limit exceeded",
						"subject", result.Identity.Subject,
						"tier", result.Identity.Tier(),
					)
					observability.RateLimitRejectedTotal.WithLabelValues(result.Identity.Tier()).Inc()
					writeError(w, http.StatusTooManyRequests, "too_many_requests", "rate limit exceeded")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), result.Identity)))
		})
	}
}

// writeError writes the API error envelope.
func writeError(w http.ResponseWriter, status int, typ, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"type": typ, "message": msg},
	})
}
