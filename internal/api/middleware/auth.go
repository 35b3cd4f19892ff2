package middleware

import (
	"net/http"
	"strings"

	"github.com/kiranshivaraju/tunehub/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// AdminAuth guards operator routes with a single bcrypt-hashed API key.
type AdminAuth struct {
	hash []byte
}

// NewAdminAuth creates AdminAuth from a bcrypt hash. An empty hash disables
// every admin route.
func NewAdminAuth(hash string) *AdminAuth {
	return &AdminAuth{hash: []byte(strings.TrimSpace(hash))}
}

// Require rejects requests that do not carry the admin key as a Bearer token.
func (a *AdminAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.hash) == 0 {
			response.Error(w, http.StatusForbidden,
				response.CodeForbidden, "Admin API is not enabled", nil)
			return
		}

		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Missing or invalid Authorization header", nil)
			return
		}

		if bcrypt.CompareHashAndPassword(a.hash, []byte(rawKey)) != nil {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Invalid API key", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(setAdmin(r.Context())))
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
