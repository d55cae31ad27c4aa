package mw

import (
	"net/http"

	"github.com/hivelab/gateway/internal/httpx"
)

func MaxBodyBytes(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fast fail when Content-Length is known.
		if r.ContentLength > limit {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "request_too_large", "")
			return
		}

		// Safety net for chunked bodies.
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}
