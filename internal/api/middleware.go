package api

import (
	"context"
	"net/http"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Identity extracts the authenticated user set by the auth gateway in
// X-User-ID. Authentication itself happens upstream; requests arriving
// without an identity get 401.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			respondError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}
