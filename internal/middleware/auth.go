package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"agrispare-be/internal/identity"
	"agrispare-be/internal/logger"
	"agrispare-be/internal/user"

	"go.uber.org/zap"
)

// AuthMiddleware resolves a bearer token into the request's identity.
// Requests without a token pass through anonymously; a token that is present
// but invalid is rejected.
//
// Browsers cannot set headers on websocket upgrades, so the token is also
// accepted from the access_token cookie or query parameter.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := user.ParseJWT(tokenStr)
		if err != nil {
			logger.FromCtx(r.Context()).Info("rejected token", zap.Error(err))
			writeUnauthorized(w, "invalid or expired token")
			return
		}

		actor, err := claims.Identity()
		if err != nil {
			logger.FromCtx(r.Context()).Info("rejected token claims", zap.Error(err))
			writeUnauthorized(w, "invalid token claims")
			return
		}

		ctx := identity.WithIdentity(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireIdentity rejects anonymous requests.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity.FromContext(r.Context()); !ok {
			writeUnauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, "Bearer ") {
			return "", false
		}
		tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		return tok, tok != ""
	}
	if c, err := r.Cookie("access_token"); err == nil && c.Value != "" {
		return c.Value, true
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok, true
	}
	return "", false
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthenticated",
		"message": msg,
	})
}
