package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"time"
)

// Echo upstream for local testing. -fail and -delay make it misbehave on
// demand so breaker and timeout handling can be exercised by hand.
func main() {
	var addr string
	var name string
	var failEvery int
	var delay time.Duration
	flag.StringVar(&addr, "addr", ":9001", "listen address")
	flag.StringVar(&name, "name", "upstream", "service name")
	flag.IntVar(&failEvery, "fail", 0, "answer 500 to every Nth request (0 = never)")
	flag.DurationVar(&delay, "delay", 0, "sleep before answering")
	flag.Parse()

	var n int
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		n++
		if failEvery > 0 && n%failEvery == 0 {
			http.Error(w, "induced failure", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"service": name,
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"headers": r.Header,
		})
	})

	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	_ = srv.ListenAndServe()
}
