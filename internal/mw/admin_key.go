package mw

import (
	"crypto/subtle"
	"net/http"

	"github.com/hivelab/gateway/internal/httpx"
)

const AdminKeyHeader = "X-Admin-Key"

func RequireAdminKey(adminKey string, next http.Handler) http.Handler {
	// No key configured: the admin surface does not exist.
	if adminKey == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(AdminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(adminKey)) != 1 {
			httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized", "", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
