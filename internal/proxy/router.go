package proxy

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hivelab/gateway/internal/ratelimit"
)

var ErrNoRoutes = errors.New("no routes configured")

// Route is immutable after load. Policy and breaker wiring is resolved at
// boot so the hot path never touches configuration maps.
type Route struct {
	ID                string
	Service           string
	Patterns          []string
	Methods           map[string]struct{} // empty = all methods
	Upstream          *url.URL
	StripPrefix       string
	RewriteTo         string
	AuthRequired      bool
	ForwardAuthHeader bool
	PublicPaths       []string
	Policy            *ratelimit.Policy // nil = unlimited
	BreakerRef        string
	Timeout           time.Duration
	MaxRetries        int
	MaxInFlight       int
}

// Table matches requests to routes in declaration order: first route whose
// pattern list accepts the (method, path) wins, so declaration order is the
// tie-break the configuration author controls.
type Table struct {
	routes []*Route
}

func NewTable(routes []*Route) (*Table, error) {
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}
	for _, r := range routes {
		for i, p := range r.Patterns {
			r.Patterns[i] = normalizePattern(p)
		}
		for i, p := range r.PublicPaths {
			r.PublicPaths[i] = normalizePattern(p)
		}
	}
	return &Table{routes: routes}, nil
}

// Routes exposes the load-ordered route list for boot-time composition.
func (t *Table) Routes() []*Route {
	return t.routes
}

// Match walks routes and patterns in order. path must be the raw request
// path; it is percent-decoded exactly once before comparison. The second
// return is the pattern that matched.
func (t *Table) Match(method, path string) (*Route, string) {
	decoded := decodePath(path)
	for _, r := range t.routes {
		if !r.allowsMethod(method) {
			continue
		}
		for _, p := range r.Patterns {
			if matchPattern(p, decoded) {
				return r, p
			}
		}
	}
	return nil, ""
}

func (r *Route) allowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	_, ok := r.Methods[strings.ToUpper(method)]
	return ok
}

// IsPublic reports whether the decoded path falls under one of the route's
// auth-exempt sub-patterns.
func (r *Route) IsPublic(path string) bool {
	decoded := decodePath(path)
	for _, p := range r.PublicPaths {
		if matchPattern(p, decoded) {
			return true
		}
	}
	return false
}

// matchPattern applies the route glob language: a literal segment matches
// itself, `*` one non-empty segment, `**` any suffix of one or more
// segments.
func matchPattern(pattern, path string) bool {
	ok, err := doublestar.Match(pattern, path)
	if err != nil || !ok {
		return false
	}
	// doublestar lets a trailing `**` match zero segments; the route
	// language requires at least one.
	if strings.HasSuffix(pattern, "/**") {
		patSegs := strings.Count(pattern, "/")
		pathSegs := strings.Count(path, "/")
		if pathSegs < patSegs {
			return false
		}
	}
	return true
}

func normalizePattern(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// decodePath percent-decodes once for comparison. The encoded original is
// preserved by the caller for forwarding; an undecodable path is matched
// verbatim.
func decodePath(path string) string {
	if path == "" {
		return "/"
	}
	dec, err := url.PathUnescape(path)
	if err != nil {
		return path
	}
	return dec
}

// StripPath removes the route's declared prefix (replacing it with
// rewriteTo, usually empty) from the forwarded path.
func StripPath(path, strip, rewriteTo string) string {
	if strip == "" {
		return path
	}
	if strings.HasPrefix(path, strip) {
		p := rewriteTo + strings.TrimPrefix(path, strip)
		if p == "" {
			p = "/"
		}
		return p
	}
	return path
}
