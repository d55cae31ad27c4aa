package mw

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/hivelab/gateway/internal/config"
)

// CORS answers preflight requests before auth, rate limiting, or forwarding
// run, and decorates normal responses with the allow/expose headers.
type CORS struct {
	enabled          bool
	allowOrigins     []string
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
	allowAll         bool
}

func NewCORS(cfg config.CORSConfig) *CORS {
	c := &CORS{
		enabled:          cfg.Enabled,
		allowOrigins:     cfg.AllowOrigins,
		allowMethods:     strings.Join(cfg.AllowMethods, ", "),
		allowHeaders:     strings.Join(cfg.AllowHeaders, ", "),
		allowCredentials: cfg.AllowCredentials,
		maxAge:           strconv.Itoa(cfg.MaxAgeSeconds),
	}

	expose := cfg.ExposeHeaders
	if cfg.AllowCredentials {
		// Clients behind credentialed CORS must be able to read the
		// rate-limit headers.
		expose = appendMissing(expose, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset")
	}
	c.exposeHeaders = strings.Join(expose, ", ")

	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			c.allowAll = true
			break
		}
	}
	return c
}

func appendMissing(list []string, items ...string) []string {
	have := map[string]struct{}{}
	for _, s := range list {
		have[http.CanonicalHeaderKey(s)] = struct{}{}
	}
	for _, it := range items {
		if _, ok := have[http.CanonicalHeaderKey(it)]; !ok {
			list = append(list, it)
		}
	}
	return list
}

// IsPreflight reports whether the request is a CORS preflight.
func (c *CORS) IsPreflight(r *http.Request) bool {
	return c != nil && c.enabled &&
		r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight writes the 204 preflight answer.
func (c *CORS) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !c.originAllowed(origin) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	respOrigin := origin
	if c.allowAll && !c.allowCredentials {
		respOrigin = "*"
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", respOrigin)
	h.Set("Access-Control-Allow-Methods", c.allowMethods)
	h.Set("Access-Control-Allow-Headers", c.allowHeaders)
	if c.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	h.Set("Access-Control-Max-Age", c.maxAge)
	h.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
}

// ApplyHeaders decorates a non-preflight response.
func (c *CORS) ApplyHeaders(w http.ResponseWriter, r *http.Request) {
	if c == nil || !c.enabled {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" || !c.originAllowed(origin) {
		return
	}

	respOrigin := origin
	if c.allowAll && !c.allowCredentials {
		respOrigin = "*"
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", respOrigin)
	if c.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if c.exposeHeaders != "" {
		h.Set("Access-Control-Expose-Headers", c.exposeHeaders)
	}
	h.Add("Vary", "Origin")
}

func (c *CORS) originAllowed(origin string) bool {
	if c.allowAll {
		return true
	}
	for _, allowed := range c.allowOrigins {
		if allowed == origin {
			return true
		}
		// *.example.com style wildcard
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	return false
}
