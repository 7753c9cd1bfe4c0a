package middleware

import (
	"context"
	"net/http"
	"strings"
)

// TokenResolver maps a bearer token to a tenant uid.
type TokenResolver func(token string) (uid string, ok bool)

// StaticTokens builds a resolver from "token:uid" pairs, the format of
// the API_TOKENS environment variable (comma separated).
func StaticTokens(spec string) TokenResolver {
	tokens := map[string]string{}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, uid, found := strings.Cut(pair, ":")
		if !found || token == "" || uid == "" {
			continue
		}
		tokens[token] = uid
	}
	return func(token string) (string, bool) {
		uid, ok := tokens[token]
		return uid, ok
	}
}

// AuthMiddleware enforces bearer-token authentication and resolves the
// token to the caller's tenant uid. Fails fast on missing or malformed
// headers.
func AuthMiddleware(resolve TokenResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}
		uid, ok := resolve(parts[1])
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), TenantKey, uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
