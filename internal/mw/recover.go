package mw

import (
	"log/slog"
	"net/http"

	"github.com/hivelab/gateway/internal/httpx"
)

// Recover is the worker boundary: no panic escapes a request handler.
func Recover(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic in handler",
					slog.Any("panic", rec),
					slog.String("rid", RequestID(r.Context())),
					slog.String("path", r.URL.Path),
				)
				httpx.WriteError(w, http.StatusInternalServerError, "Internal Server Error", "", "unexpected error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
