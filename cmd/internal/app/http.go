package app

import (
	"context"
	"net/http"
	"time"

	"chanlayer/cmd/internal/gateway"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readinessTimeout = 2 * time.Second

// readinessFunc reports whether the backend can serve traffic.
type readinessFunc func(ctx context.Context) error

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	ready readinessFunc,
	gatherer prometheus.Gatherer,
	ws *gateway.WSGateway,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()

			if err := ready(ctx); err != nil {
				http.Error(w, "backend not ready", http.StatusServiceUnavailable)
				log.Info("readyz.backend.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			ErrorLog: slogErrorLog{log},
		}))
	}

	mux.Handle("/ws", ws)
}

// slogErrorLog adapts a slog.Logger to promhttp.Logger.
type slogErrorLog struct{ log Logger }

func (l slogErrorLog) Println(v ...any) {
	l.log.Error("metrics.gather.fail", "detail", v)
}
