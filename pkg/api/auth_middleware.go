package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/tispace-dev/tispace/pkg/auth"
)

var errMissingToken = errors.New("missing or invalid bearer token")

// UsernameFromContext returns the authenticated caller's username, or "" if
// the request never passed through Authenticate.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// Authenticate verifies the request's bearer token with verifier and stores
// the derived username in the request context. Requests with a missing or
// invalid token are rejected with 401 before reaching any handler.
func Authenticate(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || verifier == nil {
				RespondError(w, http.StatusUnauthorized, errMissingToken)
				return
			}
			username, err := verifier.Authenticate(r.Context(), header)
			if err != nil {
				RespondError(w, http.StatusUnauthorized, errMissingToken)
				return
			}
			ctx := context.WithValue(r.Context(), usernameKey, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

