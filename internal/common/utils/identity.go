// internal/common/utils/identity.go
// Caller identity forwarded by the gateway

package utils

import (
	"context"
	"net/http"
	"strings"
)

// UserIDHeader carries the authenticated user id set by the gateway.
const UserIDHeader = "X-User-ID"

type contextKey string

const userIDKey contextKey = "userID"

// RequireUser rejects requests without a caller id and stores it in the
// request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the caller id stored by RequireUser.
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}
