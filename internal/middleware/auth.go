package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/tillscan/internal/auth"
)

// RequireTerminal validates the bearer terminal key and populates the
// terminal in the request context.
func RequireTerminal(keys *auth.Keyring, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := bearerToken(r)
			if !ok {
				unauthorized(w)
				return
			}

			term, err := keys.Authenticate(key)
			if err != nil {
				logger.Warn("terminal auth failed", "remote", RealIP(r), "error", err)
				unauthorized(w)
				return
			}

			ctx := auth.WithTerminal(r.Context(), term)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="tillscan"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
