package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/itskum47/horizonq/auth"
)

type contextKey string

const (
	roleContextKey   contextKey = "role"
	claimsContextKey contextKey = "claims"
)

// RequireAuth enforces JWT authentication on requests, injecting the
// verified claims into the request context.
func RequireAuth(issuer *auth.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing Authorization header", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid Authorization format, expected 'Bearer <token>'", http.StatusUnauthorized)
				return
			}

			claims, err := issuer.ValidateToken(parts[1])
			if err != nil {
				http.Error(w, fmt.Sprintf("unauthorized: %v", err), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			ctx = context.WithValue(ctx, roleContextKey, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRoleFromContext retrieves the role RequireAuth injected.
func GetRoleFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(roleContextKey)
	if val == nil {
		return "", fmt.Errorf("role not found in context")
	}
	role, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("role in context is not a string")
	}
	return role, nil
}
