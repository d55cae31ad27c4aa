package proxy

import (
	"context"
	"net/http"
	"time"
)

type ctxKey int

const startKey ctxKey = iota

// WithStart records when the chain accepted the request, so the upstream
// deadline can subtract time already spent in earlier stages.
func WithStart(r *http.Request, t time.Time) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), startKey, t))
}

func requestStart(r *http.Request, fallback time.Time) time.Time {
	if t, ok := r.Context().Value(startKey).(time.Time); ok {
		return t
	}
	return fallback
}
