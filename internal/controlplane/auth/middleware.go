package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const apiKeyContextKey contextKey = "apiKey"

// FromContext retrieves the authenticated APIKey from the request context.
func FromContext(ctx context.Context) *APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*APIKey)
	return key
}

// IsAuthenticated reports whether API key auth is present.
func IsAuthenticated(ctx context.Context) bool {
	return FromContext(ctx) != nil
}

// HasPermissionFromContext checks the required permission for the
// authenticated key.
func HasPermissionFromContext(ctx context.Context, perm Permission) bool {
	return HasPermission(FromContext(ctx), perm)
}

// AuthMiddleware authenticates requests via Authorization: Bearer adjk_...
type AuthMiddleware struct {
	store      *KeyStore
	skipExact  map[string]bool
	skipPrefix []string
}

// NewMiddleware builds auth middleware with optional skip paths. A path
// ending in "*" skips the whole prefix.
func NewMiddleware(store *KeyStore, skipPaths []string) *AuthMiddleware {
	skipExact := make(map[string]bool, len(skipPaths))
	skipPrefix := make([]string, 0)
	for _, p := range skipPaths {
		if strings.HasSuffix(p, "*") {
			skipPrefix = append(skipPrefix, strings.TrimSuffix(p, "*"))
			continue
		}
		skipExact[p] = true
	}

	return &AuthMiddleware{
		store:      store,
		skipExact:  skipExact,
		skipPrefix: skipPrefix,
	}
}

// Wrap returns the wrapped HTTP handler.
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shouldSkip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "authentication required")
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			unauthorized(w, "invalid authorization format")
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			unauthorized(w, "empty bearer token")
			return
		}
		if m.store == nil {
			unauthorized(w, "invalid api key")
			return
		}

		key, err := m.store.Validate(token)
		if err != nil {
			if strings.Contains(err.Error(), "expired") {
				http.Error(w, `{"error":"api key expired"}`, http.StatusForbidden)
				return
			}
			unauthorized(w, "invalid api key")
			return
		}

		ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Middleware returns an HTTP middleware that checks API key auth.
// Extracts the key from "Authorization: Bearer adjk_..." and skips auth
// for paths in skipPaths.
func Middleware(store *KeyStore, skipPaths []string) func(http.Handler) http.Handler {
	mw := NewMiddleware(store, skipPaths)
	return mw.Wrap
}

// RequirePermission guards a handler behind one permission. Run it inside
// the auth middleware so the key is already in context.
func RequirePermission(perm Permission, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !HasPermissionFromContext(r.Context(), perm) {
			http.Error(w, `{"error":"insufficient permissions"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) shouldSkip(path string) bool {
	if m.skipExact[path] {
		return true
	}
	for _, p := range m.skipPrefix {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func unauthorized(w http.ResponseWriter, msg string) {
	http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
}
