package app

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"krismini/cmd/internal/completion"
	"krismini/cmd/internal/metrics"
	"krismini/cmd/internal/persistence"
	"krismini/cmd/internal/realtime"
)

// routes are the handlers registerHTTP mounts. Nil entries are skipped.
type routes struct {
	health     persistence.Gateway
	dbRequired bool
	dbEnabled  bool
	gatherer   prometheus.Gatherer
	completion *completion.Handler
	ws         *realtime.WSGateway
}

func registerHTTP(mux *http.ServeMux, log Logger, cfg Config, rt routes) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.dbRequired && !rt.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if rt.health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if ok, err := rt.health.HealthCheck(ctx); !ok {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				log.Info("readyz.store.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.gatherer != nil {
		mux.Handle("/metrics", metrics.Handler(rt.gatherer))
	}

	if rt.completion != nil {
		mux.Handle("/api/completion", WithCORS(rt.completion, cfg, log))
	}

	if rt.ws != nil {
		mux.HandleFunc("/ws", rt.ws.HandleWS)
	}
}
