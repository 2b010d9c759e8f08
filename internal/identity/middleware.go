package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Lookuper resolves an API key into a user.
type Lookuper interface {
	Lookup(ctx context.Context, apiKey string) (*User, error)
}

// APIKey extracts the key from "Authorization: Bearer <key>" or X-API-Key.
func APIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// Middleware attaches the caller to the request context. Requests without a
// key continue anonymously; an unknown key is rejected with 401. When the
// user store itself fails the request continues anonymously.
func Middleware(users Lookuper, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := APIKey(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			user, err := users.Lookup(r.Context(), key)
			switch {
			case errors.Is(err, ErrUnknownKey):
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "Unauthorized",
					"message": "Invalid API key",
				})
				return
			case err != nil:
				logger.Warn("user lookup failed, continuing anonymously", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
