package middleware

import (
	"context"
	"fmt"
	"net/http"
)

// TenantContextKey is a strict type for context keys to prevent collisions.
type TenantContextKey string

const (
	// TenantKey is the context key for the tenant uid.
	TenantKey TenantContextKey = "uid"
	// TenantHeader carries the uid on internal/trusted requests.
	TenantHeader = "X-Tenant-UID"
)

// TenantMiddleware extracts the tenant uid from the request header and
// injects it into the context. Used on trusted internal routes only;
// public routes go through AuthMiddleware instead.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get(TenantHeader)
		if uid == "" {
			http.Error(w, fmt.Sprintf("Missing required header: %s", TenantHeader), http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), TenantKey, uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantFromContext safely retrieves the tenant uid from the context.
func GetTenantFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(TenantKey)
	if val == nil {
		return "", fmt.Errorf("uid not found in context")
	}
	uid, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("uid in context is not a string")
	}
	return uid, nil
}
