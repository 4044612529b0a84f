// Package metrics keeps lightweight in-process counters for the coverage
// subsystem and exposes them over an optional HTTP endpoint. No external
// metrics backend: the numbers exist to make a long backfill observable from
// logs and a curl.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Counter names used across the subsystem. Components record against these
// so snapshots stay comparable between runs.
const (
	PagesFetched     = "pages_fetched"
	RecordsStored    = "records_stored"
	TradesStored     = "trades_stored"
	GapsDetected     = "gaps_detected"
	GapsFilled       = "gaps_filled"
	GapsAbandoned    = "gaps_abandoned"
	SpansSkipped     = "spans_skipped"
	CoverageUpdates  = "coverage_updates"
	RepairsFilled    = "repairs_filled"
	RepairsFailed    = "repairs_failed"
	RepairsSkipped   = "repairs_skipped"
	TasksCompleted   = "tasks_completed"
	TasksFailed      = "tasks_failed"
)

// Registry is a concurrency-safe set of named counters.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]int64
	started  time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		started:  time.Now().UTC(),
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Add increments the named counter by delta. Safe on a nil registry so
// components can treat metrics as optional.
func (r *Registry) Add(name string, delta int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

// Inc increments the named counter by one.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// Get returns the current value of the named counter.
func (r *Registry) Get(name string) int64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// Snapshot returns a copy of all counters.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// Handler returns an http.Handler serving the registry as JSON, suitable for
// a health/metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		payload := struct {
			UptimeSeconds int64            `json:"uptime_seconds"`
			Counters      map[string]int64 `json:"counters"`
		}{
			UptimeSeconds: int64(time.Since(r.started).Seconds()),
			Counters:      r.Snapshot(),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// Serve starts a metrics HTTP server on addr in a background goroutine and
// returns the server for shutdown.
func (r *Registry) Serve(addr, path string) *http.Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, r.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go srv.ListenAndServe()
	return srv
}
