package proxy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// FallbackBody is the canonical envelope emitted when the gateway answers
// for an unavailable upstream.
type FallbackBody struct {
	Error      string `json:"error"`
	Service    string `json:"service"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	Status     int    `json:"status"`
	Fallback   bool   `json:"fallback"`
	RetryAfter string `json:"retryAfter,omitempty"`
}

func statusText(status int) string {
	switch status {
	case http.StatusGatewayTimeout:
		return "Gateway Timeout"
	case http.StatusBadGateway:
		return "Bad Gateway"
	default:
		return "Service Unavailable"
	}
}

// WriteFallback emits the envelope plus Retry-After and correlation headers.
// retryAfterSec <= 0 omits the hint.
func WriteFallback(w http.ResponseWriter, status int, service, message string, retryAfterSec int, id Identity) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if id.CorrelationID != "" {
		h.Set("X-Correlation-ID", id.CorrelationID)
	}
	if id.RequestID != "" {
		h.Set("X-Request-ID", id.RequestID)
	}

	body := FallbackBody{
		Error:     statusText(status),
		Service:   service,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    status,
		Fallback:  true,
	}
	if retryAfterSec > 0 {
		h.Set("Retry-After", strconv.Itoa(retryAfterSec))
		body.RetryAfter = strconv.Itoa(retryAfterSec)
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
