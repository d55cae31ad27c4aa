package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hivelab/gateway/internal/auth"
)

// Failure kinds, also used as the reason label on upstream failure counters.
const (
	FailTimeout = "timeout"
	FailConnect = "connect"
	FailDNS     = "dns"
	FailRead    = "read"
)

// ForwardError is a tagged upstream failure. Kind decides the client status:
// timeout maps to 504, everything else to 502.
type ForwardError struct {
	Kind string
	err  error
}

func (e *ForwardError) Error() string {
	if e.err != nil {
		return "forward: " + e.Kind + ": " + e.err.Error()
	}
	return "forward: " + e.Kind
}

func (e *ForwardError) Unwrap() error { return e.err }

func (e *ForwardError) Status() int {
	if e.Kind == FailTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// Identity is what the chain resolved about the caller; the forwarder stamps
// it downstream.
type Identity struct {
	Claims        *auth.Claims // nil on public paths
	CorrelationID string
	RequestID     string
}

// hop-by-hop headers per RFC 7230 §6.1; never forwarded.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var idempotentMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodOptions: {},
}

// DefaultStreamIdleTimeout bounds how long a single body read may stall
// once response headers have arrived.
const DefaultStreamIdleTimeout = 30 * time.Second

type Forwarder struct {
	transport http.RoundTripper

	// StreamIdle overrides DefaultStreamIdleTimeout when positive.
	StreamIdle time.Duration
}

func NewForwarder(transport http.RoundTripper) *Forwarder {
	return &Forwarder{transport: transport}
}

// Forward proxies one request. The route timeout minus time already spent in
// the chain bounds connection establishment and response headers only; once
// headers arrive the body streams under a per-read idle timeout instead, so
// a long download is never cut off mid-body by the header budget. The
// returned status is what was written to the client (0 when a ForwardError
// is returned instead and nothing was written).
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, route *Route, id Identity) (int, *ForwardError) {
	remaining := route.Timeout - time.Since(requestStart(r, time.Now()))
	if remaining <= 0 {
		return 0, &ForwardError{Kind: FailTimeout, err: context.DeadlineExceeded}
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var headerBudgetHit atomic.Bool
	headerTimer := time.AfterFunc(remaining, func() {
		headerBudgetHit.Store(true)
		cancel()
	})

	out, err := f.buildRequest(ctx, r, route, id)
	if err != nil {
		headerTimer.Stop()
		return 0, &ForwardError{Kind: FailRead, err: err}
	}

	resp, ferr := f.roundTrip(ctx, out, r, route)
	headerTimer.Stop()
	if ferr != nil {
		if headerBudgetHit.Load() {
			ferr = &ForwardError{Kind: FailTimeout, err: ferr.err}
		}
		return 0, ferr
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("X-Correlation-ID", id.CorrelationID)
	w.Header().Set("X-Request-ID", id.RequestID)
	w.WriteHeader(resp.StatusCode)

	if err := f.streamBody(w, resp.Body, cancel); err != nil {
		// Client saw the status already; nothing sane to emit. The breaker
		// does not blame the upstream for a client that went away or a
		// stalled tail.
		return resp.StatusCode, nil
	}
	return resp.StatusCode, nil
}

func (f *Forwarder) buildRequest(ctx context.Context, r *http.Request, route *Route, id Identity) (*http.Request, error) {
	outPath := StripPath(r.URL.EscapedPath(), route.StripPrefix, route.RewriteTo)
	target := strings.TrimSuffix(route.Upstream.String(), "/") + outPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}

	out := r.Clone(ctx)
	out.URL = u
	out.Host = route.Upstream.Host
	out.RequestURI = ""

	stripHopByHop(out.Header)
	if !route.ForwardAuthHeader {
		out.Header.Del("Authorization")
	}
	stampIdentity(out.Header, id)
	return out, nil
}

// stampIdentity sets (never appends) the identity headers, so stamping twice
// yields the same values.
func stampIdentity(h http.Header, id Identity) {
	h.Set("X-Correlation-ID", id.CorrelationID)
	h.Set("X-Request-ID", id.RequestID)
	if id.Claims == nil {
		return
	}
	h.Set("X-User-Id", id.Claims.Subject)
	if id.Claims.Username != "" {
		h.Set("X-Username", id.Claims.Username)
	}
	if csv := id.Claims.RolesCSV(); csv != "" {
		h.Set("X-User-Roles", csv)
	}
	if id.Claims.PersonaID != "" {
		h.Set("X-Persona-Id", id.Claims.PersonaID)
	}
}

func (f *Forwarder) roundTrip(ctx context.Context, out *http.Request, in *http.Request, route *Route) (*http.Response, *ForwardError) {
	retryable := canRetry(in, route)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	var lastErr *ForwardError
	for attempt := 0; ; attempt++ {
		resp, err := f.transport.RoundTrip(out)
		if err == nil {
			return resp, nil
		}

		lastErr = classify(ctx, err)
		if !retryable || attempt >= route.MaxRetries {
			return nil, lastErr
		}
		if lastErr.Kind != FailConnect && lastErr.Kind != FailDNS {
			return nil, lastErr
		}

		select {
		case <-ctx.Done():
			return nil, classify(ctx, ctx.Err())
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// canRetry: idempotent method and no request body to replay. Connect errors
// happen before any body byte is written, but a lost race on a half-sent
// body is not worth the replay risk.
func canRetry(r *http.Request, route *Route) bool {
	if route.MaxRetries <= 0 {
		return false
	}
	if _, ok := idempotentMethods[r.Method]; !ok {
		return false
	}
	return r.Body == nil || r.Body == http.NoBody
}

func classify(ctx context.Context, err error) *ForwardError {
	var dnsErr *net.DNSError
	var opErr *net.OpError

	switch {
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		return &ForwardError{Kind: FailTimeout, err: err}
	case errors.As(err, &dnsErr):
		return &ForwardError{Kind: FailDNS, err: err}
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return &ForwardError{Kind: FailConnect, err: err}
	default:
		if isTimeout(err) {
			return &ForwardError{Kind: FailTimeout, err: err}
		}
		return &ForwardError{Kind: FailRead, err: err}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	stripHopByHop(dst)
}

func stripHopByHop(h http.Header) {
	// Connection can name additional per-hop headers.
	for _, token := range strings.Split(h.Get("Connection"), ",") {
		if t := strings.TrimSpace(token); t != "" {
			h.Del(t)
		}
	}
	for _, k := range hopByHop {
		h.Del(k)
	}
}

// streamBody copies the upstream body to the client in bounded chunks,
// flushing as it goes so long responses are not buffered. Each read is
// guarded by the idle timeout: a stalled upstream gets its request context
// cancelled, which unblocks the read with an error.
func (f *Forwarder) streamBody(w http.ResponseWriter, body io.Reader, abort context.CancelFunc) error {
	idle := f.StreamIdle
	if idle <= 0 {
		idle = DefaultStreamIdleTimeout
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		watchdog := time.AfterFunc(idle, abort)
		n, err := body.Read(buf)
		watchdog.Stop()
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
