package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hivelab/gateway/internal/config"
)

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(config.SecurityHeadersConfig{
		XFrameOptions:           "DENY",
		ContentSecurityPolicy:   "default-src 'none'",
		StrictTransportSecurity: "max-age=31536000",
		ReferrerPolicy:          "no-referrer",
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "http://gw.local/x", nil))

	want := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-XSS-Protection":          "1; mode=block",
		"X-Frame-Options":           "DENY",
		"Content-Security-Policy":   "default-src 'none'",
		"Strict-Transport-Security": "max-age=31536000",
		"Referrer-Policy":           "no-referrer",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestSecurityHeadersOptionalOnesOmitted(t *testing.T) {
	h := SecurityHeaders(config.SecurityHeadersConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "http://gw.local/x", nil))

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("nosniff is unconditional")
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("HSTS must be opt-in")
	}
}
