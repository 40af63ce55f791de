package auth

import (
	"net/http"
	"strings"

	"github.com/vectornode/vectornode/pkg/api"
	"github.com/vectornode/vectornode/pkg/identity"
)

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
	"/api/version",
}

// isPublic reports whether r may pass without a token. Looking up a label is
// public so a scanned QR code shows its unit before sign-in; the actions
// offered for it depend on the caller and are not.
func isPublic(r *http.Request) bool {
	for _, p := range publicPaths {
		if r.URL.Path == p {
			return true
		}
	}
	if r.Method == http.MethodGet {
		if tok, ok := strings.CutPrefix(r.URL.Path, "/api/qr/token/"); ok && tok != "" && !strings.Contains(tok, "/") {
			return true
		}
	}
	return false
}

// NewMiddleware creates JWT auth middleware. If tokens is nil, every
// non-public request is rejected.
func NewMiddleware(tokens *identity.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r) || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			scheme, raw, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if tokens == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := tokens.Validate(raw)
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}
			role, ok := ParseRole(claims.Role)
			if !ok {
				api.WriteUnauthorized(w, "Token carries an unknown role")
				return
			}

			p := &BasePrincipal{ID: claims.Subject, Name: claims.Name, Role: role, CompanyID: claims.CompanyID}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole rejects requests whose principal holds none of roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := GetPrincipal(r.Context())
			if err != nil {
				api.WriteUnauthorized(w, "")
				return
			}
			if !HasRole(p, roles...) {
				api.WriteForbidden(w, "This endpoint requires role "+joinRoles(roles))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func joinRoles(roles []Role) string {
	s := make([]string, len(roles))
	for i, r := range roles {
		s[i] = string(r)
	}
	return strings.Join(s, " or ")
}
