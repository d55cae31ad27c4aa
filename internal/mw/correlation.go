package mw

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
)

const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"
)

// Correlation echoes or mints X-Correlation-ID and always mints a fresh
// X-Request-ID. Both land in the context and on the response immediately so
// every short-circuit response downstream carries them.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(HeaderCorrelationID)
		if cid == "" {
			cid = uuid.NewString()
		}
		rid := newRequestID()

		w.Header().Set(HeaderCorrelationID, cid)
		w.Header().Set(HeaderRequestID, rid)

		ctx := WithCorrelationID(r.Context(), cid)
		ctx = WithRequestID(ctx, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRequestID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
