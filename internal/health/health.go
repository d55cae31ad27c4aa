package health

import (
	"context"
	"net/http"
	"time"

	"github.com/hivelab/gateway/internal/breaker"
	"github.com/hivelab/gateway/internal/httpx"
)

// StorePinger probes the shared rate-limit store. Nil means the gateway
// runs on the in-process backend and the probe is reported as skipped.
type StorePinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Store    StorePinger
	Breakers *breaker.Registry
	Extra    func() map[string]any // optional details (jwks cache, build info)
}

// Live is the bare liveness endpoint: the process is up.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "up"})
}

// Detailed probes the store and reports per-upstream breaker state. The
// endpoint answers 503 when the store is down so orchestrators can see the
// degradation, even though traffic itself fails open.
func (h *Handler) Detailed(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	out := map[string]any{
		"status": "up",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			out["status"] = "degraded"
			out["store"] = map[string]any{"ok": false, "error": err.Error()}
		} else {
			out["store"] = map[string]any{"ok": true}
		}
	} else {
		out["store"] = map[string]any{"ok": true, "backend": "memory"}
	}

	if h.Breakers != nil {
		out["breakers"] = h.Breakers.Stats()
	}
	if h.Extra != nil {
		for k, v := range h.Extra() {
			out[k] = v
		}
	}

	httpx.WriteJSON(w, status, out)
}
