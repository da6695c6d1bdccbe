// Package obs exposes process-local Prometheus metrics for the agent.
package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	SessionsEstablished = promauto.NewCounter(prometheus.CounterOpts{Name: "relais_sessions_established_total", Help: "Control sessions that reached RUNNING"})
	ReconnectsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relais_reconnects_total", Help: "Reconnect attempts by cause"}, []string{"cause"})
	ActiveSplices       = promauto.NewGauge(prometheus.GaugeOpts{Name: "relais_active_splices", Help: "Data/local connection pairs currently open"})
	SplicedBytesTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "relais_spliced_bytes_total", Help: "Bytes relayed across data/local pairs"})
	SpliceErrorsTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "relais_splice_errors_total", Help: "Pairs abandoned or torn down on I/O error"})
	ServerClosuresGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relais_server_closures_window", Help: "Server-initiated closures within the sliding window"})
	HeartbeatGapSeconds = promauto.NewGauge(prometheus.GaugeOpts{Name: "relais_heartbeat_gap_seconds", Help: "Seconds since the last server heartbeat"})
)

// ServeMetrics starts an HTTP listener serving /metrics. It returns
// immediately; listener errors are logged, not fatal.
func ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Msgf("Metrics listener on %s.", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics listener stopped.")
		}
	}()
}
