package mw

import (
	"net/http"

	"github.com/hivelab/gateway/internal/config"
)

type headerPair struct {
	name  string
	value string
}

// SecurityHeaders stamps the egress security headers on every response.
// Values are pre-computed at boot.
func SecurityHeaders(cfg config.SecurityHeadersConfig, next http.Handler) http.Handler {
	pairs := []headerPair{
		{"X-Content-Type-Options", "nosniff"},
		{"X-XSS-Protection", "1; mode=block"},
	}
	if cfg.XFrameOptions != "" {
		pairs = append(pairs, headerPair{"X-Frame-Options", cfg.XFrameOptions})
	}
	if cfg.ContentSecurityPolicy != "" {
		pairs = append(pairs, headerPair{"Content-Security-Policy", cfg.ContentSecurityPolicy})
	}
	if cfg.StrictTransportSecurity != "" {
		pairs = append(pairs, headerPair{"Strict-Transport-Security", cfg.StrictTransportSecurity})
	}
	if cfg.ReferrerPolicy != "" {
		pairs = append(pairs, headerPair{"Referrer-Policy", cfg.ReferrerPolicy})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, p := range pairs {
			h.Set(p.name, p.value)
		}
		next.ServeHTTP(w, r)
	})
}
