package auth

import (
	"log/slog"
	"net/http"

	"github.com/vectornode/vectornode/pkg/api"
	"github.com/vectornode/vectornode/pkg/limiter"
)

// RateLimitMiddleware enforces per-actor rate limiting on authenticated
// requests, keyed by user id and falling back to the remote address. On
// limiter errors it fails open.
func RateLimitMiddleware(store limiter.Store, policy limiter.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}
			actorID := "ip:" + r.RemoteAddr
			if p, err := GetPrincipal(r.Context()); err == nil {
				actorID = "user:" + p.GetID()
			}

			allowed, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				slog.WarnContext(r.Context(), "rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				retryAfter := 1
				if policy.RPM > 0 && policy.RPM < 60 {
					retryAfter = 60 / policy.RPM
				}
				api.WriteTooManyRequests(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
