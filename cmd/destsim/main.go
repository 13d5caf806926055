// destsim is a local destination simulator for exercising the relay:
// routes that always succeed, always fail, fail transiently, or respond
// slowly, so retry and dead-letter behavior can be observed end to end.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

var requestCount atomic.Int64

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	// Always returns 200.
	http.HandleFunc("/hook/success", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		logRequest(r, count, 200)
		respond(w, http.StatusOK, map[string]string{"status": "received"})
	})

	// Delays before responding; pair with a short endpoint timeout to
	// exercise the retryable-timeout path.
	http.HandleFunc("/hook/slow", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		delay := 3 * time.Second
		if d := r.URL.Query().Get("delay"); d != "" {
			if sec, err := strconv.Atoi(d); err == nil {
				delay = time.Duration(sec) * time.Second
			}
		}
		time.Sleep(delay)
		logRequest(r, count, 200)
		respond(w, http.StatusOK, map[string]string{"status": "received (slow)"})
	})

	// Always returns 500 (retryable until exhaustion, then dead-letter).
	http.HandleFunc("/hook/fail", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		logRequest(r, count, 500)
		respond(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	})

	// Always returns 400 (non-retryable, immediate dead-letter).
	http.HandleFunc("/hook/reject", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		logRequest(r, count, 400)
		respond(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
	})

	// Fails with 503 until the nth request, then succeeds; ?after=N
	// controls the threshold (default 3). Exercises retry-then-success.
	var flakyCount atomic.Int64
	http.HandleFunc("/hook/flaky", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		after := int64(3)
		if a := r.URL.Query().Get("after"); a != "" {
			if n, err := strconv.ParseInt(a, 10, 64); err == nil {
				after = n
			}
		}
		if flakyCount.Add(1) < after {
			logRequest(r, count, 503)
			respond(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
			return
		}
		logRequest(r, count, 200)
		respond(w, http.StatusOK, map[string]string{"status": "received (flaky recovered)"})
	})

	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]int64{"total_requests": requestCount.Load()})
	})

	log.Printf("destination simulator starting on :%s", port)
	log.Printf("  POST /hook/success -> 200 OK")
	log.Printf("  POST /hook/slow    -> 200 OK (?delay=N seconds)")
	log.Printf("  POST /hook/fail    -> 500 Error")
	log.Printf("  POST /hook/reject  -> 400 Error")
	log.Printf("  POST /hook/flaky   -> 503 until ?after=N, then 200")
	log.Printf("  GET  /stats        -> request count")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func logRequest(r *http.Request, count int64, status int) {
	fmt.Printf("[#%d] %s %s -> %d | sig=%s attempt=%s\n",
		count,
		r.Method,
		r.URL.Path,
		status,
		truncate(firstHeader(r, "Stripe-Signature", "X-Hub-Signature-256", "X-Signature"), 16),
		r.Header.Get("X-Relay-Attempt"),
	)
}

func firstHeader(r *http.Request, names ...string) string {
	for _, n := range names {
		if v := r.Header.Get(n); v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
