package gateway

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hivelab/gateway/internal/auth"
	"github.com/hivelab/gateway/internal/breaker"
	"github.com/hivelab/gateway/internal/config"
	"github.com/hivelab/gateway/internal/httpx"
	"github.com/hivelab/gateway/internal/metrics"
	"github.com/hivelab/gateway/internal/mw"
	"github.com/hivelab/gateway/internal/netx"
	"github.com/hivelab/gateway/internal/proxy"
	"github.com/hivelab/gateway/internal/ratelimit"
)

// Options carries the components built at boot, in dependency order: clock
// and ids are implicit, then verifier, route table, limiter, breakers,
// forwarder; the gateway composes them into per-route pipelines.
type Options struct {
	Log          *slog.Logger
	Verifier     auth.Verifier // nil when no auth is configured
	Table        *proxy.Table
	Limiter      ratelimit.Limiter
	Breakers     *breaker.Registry
	Forwarder    *proxy.Forwarder
	Metrics      *metrics.Metrics
	CORS         *mw.CORS
	IPResolver   netx.IPResolver
	Security     config.SecurityHeadersConfig
	MaxBodyBytes int64
	MaxInFlight  int // global in-flight bound (back-pressure)
}

type Gateway struct {
	opts      Options
	table     *proxy.Table
	pipelines map[string]http.Handler
	notFound  http.Handler
	preflight http.Handler
	global    *mw.Semaphore
}

// New composes the filter chain for every route. The stage order is fixed:
// correlation, CORS, auth (with public-path bypass), rate limit,
// concurrency, breaker gate, forward; security headers and observation wrap
// the lot.
func New(opts Options) *Gateway {
	g := &Gateway{
		opts:      opts,
		table:     opts.Table,
		pipelines: make(map[string]http.Handler),
		global:    mw.NewSemaphore(opts.MaxInFlight),
	}

	for _, rt := range opts.Table.Routes() {
		g.pipelines[rt.ID] = g.buildPipeline(rt)
	}

	g.notFound = g.wrapCommon("", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "Not Found", "route_not_found", "no route matches this path")
	}))

	g.preflight = mw.Correlation(mw.SecurityHeaders(opts.Security,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			opts.CORS.HandlePreflight(w, r)
		})))

	return g
}

// Handler is the catch-all ingress entry point.
func (g *Gateway) Handler() http.Handler {
	return mw.Recover(g.opts.Log, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.opts.CORS.IsPreflight(r) {
			g.preflight.ServeHTTP(w, r)
			return
		}

		// Match on the escaped form: the router performs the single
		// percent-decode itself, and net/http already decoded URL.Path.
		route, _ := g.table.Match(r.Method, r.URL.EscapedPath())
		if route == nil {
			g.notFound.ServeHTTP(w, r)
			return
		}
		g.pipelines[route.ID].ServeHTTP(w, r)
	}))
}

// buildPipeline composes the stages for one route, innermost first.
func (g *Gateway) buildPipeline(rt *proxy.Route) http.Handler {
	h := g.forwardStage(rt)
	h = mw.ConcurrencyLimit(mw.NewSemaphore(rt.MaxInFlight), h)
	h = g.rateLimitStage(rt, h)
	h = g.authStage(rt, h)
	h = mw.MaxBodyBytes(g.opts.MaxBodyBytes, h)
	h = g.corsDecorate(h)
	h = mw.ConcurrencyLimit(g.global, h)
	return g.wrapCommon(rt.ID, h)
}

// wrapCommon is the shared outer shell: route tag, correlation, security
// headers, metrics, access log.
func (g *Gateway) wrapCommon(routeID string, h http.Handler) http.Handler {
	h = mw.AccessLog(g.opts.Log, h)
	h = mw.Instrument(g.opts.Metrics, h)
	h = mw.SecurityHeaders(g.opts.Security, h)
	h = mw.Correlation(h)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if routeID != "" {
			ctx = mw.WithRouteID(ctx, routeID)
		}
		r = proxy.WithStart(r.WithContext(ctx), time.Now())
		h.ServeHTTP(w, r)
	})
}

func (g *Gateway) corsDecorate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.opts.CORS.ApplyHeaders(w, r)
		next.ServeHTTP(w, r)
	})
}

// authStage verifies bearer tokens. Public sub-paths skip enforcement but
// still pick up claims when a valid token is offered, so per-user limiting
// keys correctly on mixed routes.
func (g *Gateway) authStage(rt *proxy.Route, next http.Handler) http.Handler {
	if g.opts.Verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		required := rt.AuthRequired && !rt.IsPublic(r.URL.EscapedPath())

		claims, err := g.opts.Verifier.Verify(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			if required {
				reason := auth.ReasonOf(err)
				g.opts.Log.Warn("auth rejected",
					slog.String("reason", reason),
					slog.String("route", rt.ID),
					slog.String("cid", mw.CorrelationID(r.Context())),
				)
				httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized", reason, "")
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(mw.WithClaims(r.Context(), claims)))
	})
}

func (g *Gateway) rateLimitStage(rt *proxy.Route, next http.Handler) http.Handler {
	pol := rt.Policy
	if pol == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := g.bucketKey(rt, pol, r)

		dec, err := g.opts.Limiter.Allow(r.Context(), key, *pol, 1)
		if err != nil {
			// Fail open: the store being down must not drop traffic.
			g.opts.Metrics.RateLimitStoreErrors.Inc()
			g.opts.Log.Warn("rate-limit store unavailable; failing open",
				slog.String("policy", pol.ID),
				slog.String("error", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}

		setRateLimitHeaders(w, dec, *pol)

		if !dec.Allowed {
			g.opts.Metrics.RateLimitRejections.WithLabelValues(pol.ID).Inc()
			w.Header().Set("Retry-After", itoa(dec.RetryAfterSeconds()))
			httpx.WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "rate_limited", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) bucketKey(rt *proxy.Route, pol *ratelimit.Policy, r *http.Request) string {
	switch pol.Strategy {
	case "per_route":
		return ratelimit.Key(pol.ID, "r", rt.ID)
	case "per_ip":
		return ratelimit.Key(pol.ID, "ip", g.opts.IPResolver.ClientIP(r))
	case "composite":
		sub := "-"
		if c := mw.Claims(r.Context()); c != nil {
			sub = c.Subject
		}
		return ratelimit.Key(pol.ID, "c", sub+"|"+g.opts.IPResolver.ClientIP(r))
	default: // per_user, falling back to per_ip for anonymous callers
		if c := mw.Claims(r.Context()); c != nil {
			return ratelimit.Key(pol.ID, "u", c.Subject)
		}
		return ratelimit.Key(pol.ID, "ip", g.opts.IPResolver.ClientIP(r))
	}
}

// forwardStage is the terminal stage: breaker gate, forward, fallback.
func (g *Gateway) forwardStage(rt *proxy.Route) http.Handler {
	br := g.opts.Breakers.Get(rt.BreakerRef)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := proxy.Identity{
			Claims:        mw.Claims(r.Context()),
			CorrelationID: mw.CorrelationID(r.Context()),
			RequestID:     mw.RequestID(r.Context()),
		}

		var done breaker.Done
		if br != nil {
			var retry time.Duration
			var ok bool
			done, retry, ok = br.Allow()
			if !ok {
				proxy.WriteFallback(w, http.StatusServiceUnavailable, rt.Service,
					"service temporarily unavailable", ceilSeconds(retry), id)
				return
			}
		}

		start := time.Now()
		status, ferr := g.opts.Forwarder.Forward(w, r, rt, id)
		elapsed := time.Since(start)

		if ferr != nil {
			g.opts.Metrics.UpstreamFailures.WithLabelValues(rt.Service, ferr.Kind).Inc()
			g.opts.Log.Error("upstream call failed",
				slog.String("service", rt.Service),
				slog.String("kind", ferr.Kind),
				slog.String("cid", id.CorrelationID),
				slog.String("error", ferr.Error()),
			)
			if done != nil {
				done(true, elapsed)
			}
			proxy.WriteFallback(w, ferr.Status(), rt.Service, "upstream request failed", 0, id)
			return
		}

		// 5xx from the upstream passes through to the client but counts
		// against the breaker window; 4xx is the client's problem.
		failure := status >= 500
		if failure {
			g.opts.Metrics.UpstreamFailures.WithLabelValues(rt.Service, "http_5xx").Inc()
		}
		if done != nil {
			done(failure, elapsed)
		}
	})
}

func setRateLimitHeaders(w http.ResponseWriter, dec ratelimit.Decision, pol ratelimit.Policy) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", itoa(int(pol.Burst)))
	h.Set("X-RateLimit-Remaining", itoa(int(dec.Remaining)))
	h.Set("X-RateLimit-Reset", itoa(dec.ResetSeconds(pol)))
}

func itoa(n int) string {
	if n < 0 {
		n = 0
	}
	return strconv.Itoa(n)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int((d + time.Second - 1) / time.Second)
}
