package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hivelab/gateway/internal/httpx"
	"github.com/hivelab/gateway/internal/metrics"
)

func Instrument(m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &httpx.StatusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		route := RouteID(r.Context())
		code := sw.Status
		if code == 0 {
			code = http.StatusOK
		}
		m.Requests.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		m.Duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
