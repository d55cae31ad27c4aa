package integration_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hivelab/gateway/internal/auth"
	"github.com/hivelab/gateway/internal/breaker"
	"github.com/hivelab/gateway/internal/config"
	"github.com/hivelab/gateway/internal/gateway"
	"github.com/hivelab/gateway/internal/metrics"
	"github.com/hivelab/gateway/internal/mw"
	"github.com/hivelab/gateway/internal/proxy"
	"github.com/hivelab/gateway/internal/ratelimit"
)

const testSecret = "integration-secret"

func mintToken(t *testing.T, ttl time.Duration, extra jwt.MapClaims) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      "user-7",
		"username": "ada",
		"roles":    []string{"admin", "user"},
		"iat":      now.Unix(),
		"exp":      now.Add(ttl).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type testEnv struct {
	handler  http.Handler
	breakers *breaker.Registry
	limiter  *ratelimit.MemoryLimiter
}

// buildGateway assembles the same component graph cmd/gateway wires at boot,
// with an in-process limiter and the given routes.
func buildGateway(t *testing.T, routes []*proxy.Route, breakers map[string]breaker.Config) *testEnv {
	t.Helper()

	table, err := proxy.NewTable(routes)
	if err != nil {
		t.Fatal(err)
	}

	reg := breaker.NewRegistry()
	m := metrics.New(prometheus.NewRegistry())
	for name, cfg := range breakers {
		reg.Add(name, cfg, m.ObserveBreaker)
	}

	limiter := ratelimit.NewMemoryLimiter(5*time.Minute, time.Minute)
	t.Cleanup(func() { limiter.Close() })

	log := slog.New(slog.NewJSONHandler(io.Discard, nil))

	gw := gateway.New(gateway.Options{
		Log:       log,
		Verifier:  auth.NewHMACVerifier([]byte(testSecret), nil, nil),
		Table:     table,
		Limiter:   limiter,
		Breakers:  reg,
		Forwarder: proxy.NewForwarder(http.DefaultTransport),
		Metrics:   m,
		CORS: mw.NewCORS(config.CORSConfig{
			Enabled:       true,
			AllowOrigins:  []string{"https://app.example.com"},
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Content-Type", "Authorization"},
			MaxAgeSeconds: 3600,
		}),
		Security: config.SecurityHeadersConfig{XFrameOptions: "DENY"},
	})

	return &testEnv{handler: gw.Handler(), breakers: reg, limiter: limiter}
}

func newRoute(t *testing.T, upstream, id, pattern string) *proxy.Route {
	t.Helper()
	u, err := url.Parse(upstream)
	if err != nil {
		t.Fatal(err)
	}
	return &proxy.Route{
		ID:       id,
		Service:  id + "-service",
		Patterns: []string{pattern},
		Upstream: u,
		Timeout:  5 * time.Second,
	}
}

func TestPublicRoutePassesThroughWithCorrelation(t *testing.T) {
	var upstreamCID atomic.Value
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCID.Store(r.Header.Get("X-Correlation-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer up.Close()

	env := buildGateway(t, []*proxy.Route{newRoute(t, up.URL, "public", "/public/**")}, nil)

	req := httptest.NewRequest("GET", "http://gw.local/public/ping", nil)
	req.Header.Set("X-Correlation-ID", "cid-e2e-1")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := upstreamCID.Load(); got != "cid-e2e-1" {
		t.Fatalf("upstream correlation id = %v", got)
	}
	if rec.Header().Get("X-Correlation-ID") != "cid-e2e-1" {
		t.Fatal("response must echo the correlation id")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("security headers must be present on proxied responses")
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestProtectedRouteStampsIdentity(t *testing.T) {
	var got http.Header
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer up.Close()

	route := newRoute(t, up.URL, "orders", "/api/orders/**")
	route.AuthRequired = true
	env := buildGateway(t, []*proxy.Route{route}, nil)

	req := httptest.NewRequest("GET", "http://gw.local/api/orders/42", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, time.Hour, nil))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got.Get("X-User-Id") != "user-7" {
		t.Fatalf("X-User-Id = %q", got.Get("X-User-Id"))
	}
	if got.Get("X-User-Roles") != "admin,user" {
		t.Fatalf("X-User-Roles = %q", got.Get("X-User-Roles"))
	}
	if got.Get("Authorization") != "" {
		t.Fatal("Authorization must be stripped before forwarding")
	}

	// Without a token the same route answers 401 and the upstream never sees
	// the request.
	req = httptest.NewRequest("GET", "http://gw.local/api/orders/42", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "missing_token") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestRateLimitRejectsWithHeaders(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()

	route := newRoute(t, up.URL, "limited", "/api/limited/**")
	route.Policy = &ratelimit.Policy{ID: "tight", Rate: 1, Burst: 2, Strategy: "per_ip"}
	env := buildGateway(t, []*proxy.Route{route}, nil)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "http://gw.local/api/limited/x", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do(); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}

	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining = %q, want 0", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("limit = %q, want 2", rec.Header().Get("X-RateLimit-Limit"))
	}
	if !strings.Contains(rec.Body.String(), "rate_limited") {
		t.Fatalf("body = %s", rec.Body.String())
	}

	// A different client address has its own bucket.
	req := httptest.NewRequest("GET", "http://gw.local/api/limited/x", nil)
	req.RemoteAddr = "198.51.100.4:1234"
	other := httptest.NewRecorder()
	env.handler.ServeHTTP(other, req)
	if other.Code != http.StatusOK {
		t.Fatalf("independent client status = %d", other.Code)
	}
}

func TestBreakerTripsThenRecovers(t *testing.T) {
	var hits int32
	var failing atomic.Bool
	failing.Store(true)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	route := newRoute(t, up.URL, "flaky", "/api/flaky/**")
	route.BreakerRef = "flaky"
	env := buildGateway(t, []*proxy.Route{route}, map[string]breaker.Config{
		"flaky": {
			WindowSize:   20,
			MinCalls:     10,
			FailureRate:  0.5,
			OpenDuration: 150 * time.Millisecond,
			ProbeCount:   1,
		},
	})

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, httptest.NewRequest("GET", "http://gw.local/api/flaky/x", nil))
		return rec
	}

	// Consecutive 500s pass through until min_calls is reached; then the
	// breaker opens and short-circuits with a fallback.
	for i := 0; i < 10; i++ {
		if rec := do(); rec.Code != http.StatusInternalServerError {
			t.Fatalf("request %d status = %d, want 500 pass-through", i+1, rec.Code)
		}
	}
	before := atomic.LoadInt32(&hits)

	rec := do()
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 from open breaker", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("breaker fallback must carry Retry-After")
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("fallback body is not json: %s", rec.Body.String())
	}
	if body["fallback"] != true {
		t.Fatalf("fallback body = %v", body)
	}
	if atomic.LoadInt32(&hits) != before {
		t.Fatal("open breaker must not reach the upstream")
	}

	// After the open window one probe is admitted; it succeeds and the
	// breaker closes again.
	failing.Store(false)
	time.Sleep(200 * time.Millisecond)

	if rec := do(); rec.Code != http.StatusOK {
		t.Fatalf("probe status = %d, want 200", rec.Code)
	}
	if rec := do(); rec.Code != http.StatusOK {
		t.Fatalf("post-recovery status = %d, want 200", rec.Code)
	}
	if st := env.breakers.Get("flaky").Stats().State; st != "closed" {
		t.Fatalf("breaker state = %s, want closed", st)
	}
}

func TestExpiredTokenNeverReachesUpstream(t *testing.T) {
	var hits int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer up.Close()

	route := newRoute(t, up.URL, "orders", "/api/orders/**")
	route.AuthRequired = true
	env := buildGateway(t, []*proxy.Route{route}, nil)

	req := httptest.NewRequest("GET", "http://gw.local/api/orders/42", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, -time.Hour, nil))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"expired"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("expired token must be rejected before forwarding")
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	var hits int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer up.Close()

	route := newRoute(t, up.URL, "orders", "/api/orders/**")
	route.AuthRequired = true // preflight must not require a token
	env := buildGateway(t, []*proxy.Route{route}, nil)

	req := httptest.NewRequest("OPTIONS", "http://gw.local/api/orders/42", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
	if rec.Header().Get("Access-Control-Max-Age") != "3600" {
		t.Fatalf("max-age = %q", rec.Header().Get("Access-Control-Max-Age"))
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("preflight must not reach the upstream")
	}
}

func TestEncodedPathMatchesAfterSingleDecode(t *testing.T) {
	var gotPath string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
	}))
	defer up.Close()

	env := buildGateway(t, []*proxy.Route{newRoute(t, up.URL, "files", "/files/*")}, nil)

	// %252F is a once-encoded %2F: one path segment, so the route matches
	// and the escaped form travels to the upstream untouched.
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest("GET", "http://gw.local/files/a%252Fb", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (route must match the once-decoded path)", rec.Code)
	}
	if gotPath != "/files/a%252Fb" {
		t.Fatalf("upstream path = %q", gotPath)
	}

	// A bare %2F decodes to a real slash: two segments, no route.
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest("GET", "http://gw.local/files/a%2Fb", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for a decoded segment boundary", rec.Code)
	}
}

func TestUnknownRouteIs404Envelope(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()

	env := buildGateway(t, []*proxy.Route{newRoute(t, up.URL, "only", "/api/only/**")}, nil)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest("GET", "http://gw.local/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "route_not_found") {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("404 must still carry a correlation id")
	}
}
