package httpx

import (
	"encoding/json"
	"net/http"
	"time"
)

// Envelope is the canonical error body returned by the gateway itself
// (route miss, auth failure, rate limit). Upstream bodies pass through
// untouched.
type Envelope struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
	Status    int    `json:"status"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError emits the canonical envelope with the current timestamp.
func WriteError(w http.ResponseWriter, status int, errText, reason, message string) {
	WriteJSON(w, status, Envelope{
		Error:     errText,
		Reason:    reason,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    status,
	})
}
