package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vigil/internal/scheduler"
)

// HealthReporter reports scheduler health.
type HealthReporter interface {
	Health() scheduler.HealthStatus
}

type jobHealth struct {
	Runs      int64      `json:"runs"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

type healthResponse struct {
	Status string               `json:"status"`
	Uptime int64                `json:"uptime_seconds"`
	Runs   int64                `json:"runs"`
	Jobs   map[string]jobHealth `json:"jobs"`
}

// newMux serves metrics and health checks.
func newMux(metrics http.Handler, health HealthReporter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := health.Health()
		resp := healthResponse{
			Status: h.Status,
			Uptime: h.Uptime,
			Runs:   h.Runs,
			Jobs:   make(map[string]jobHealth, len(h.Jobs)),
		}
		for name, st := range h.Jobs {
			jh := jobHealth{Runs: st.Runs, LastError: st.LastError}
			if !st.LastRun.IsZero() {
				last := st.LastRun.UTC()
				jh.LastRun = &last
			}
			resp.Jobs[name] = jh
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error().Err(err).Msg("failed to encode health response")
		}
	})
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready"))
	})
	return mux
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
