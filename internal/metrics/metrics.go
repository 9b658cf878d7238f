// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// ActiveConnections tracks the number of live WebSocket sessions.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of live WebSocket connections",
		},
	)

	// MessagesReceived counts inbound client frames by command type.
	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_received_total",
			Help: "Inbound client frames by type",
		},
		[]string{"type"},
	)

	// BroadcastsSent counts broadcast fan-outs by channel.
	BroadcastsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_broadcasts_total",
			Help: "Broadcast fan-outs by channel",
		},
		[]string{"channel"},
	)

	// DroppedFrames counts frames dropped because a consumer could not keep up.
	DroppedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_dropped_frames_total",
			Help: "Frames dropped due to slow consumers",
		},
	)

	// RateLimitRejections counts rejected requests by scope and reason.
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope", "reason"},
	)

	// AuthFailures counts failed handshakes by cause.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Failed handshakes by cause",
		},
		[]string{"cause"},
	)

	// PublishDuration tracks one publisher tick end to end.
	PublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_publish_duration_seconds",
			Help:    "Time spent fetching and broadcasting one publisher tick",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"publisher"},
	)

	// UpstreamFetchErrors counts skipped publisher ticks by source.
	UpstreamFetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_fetch_errors_total",
			Help: "Publisher ticks skipped because the upstream fetch failed",
		},
		[]string{"publisher"},
	)
)

func init() {
	prometheus.MustRegister(
		ActiveConnections,
		MessagesReceived,
		BroadcastsSent,
		DroppedFrames,
		RateLimitRejections,
		AuthFailures,
		PublishDuration,
		UpstreamFetchErrors,
	)
}

// Serve starts the Prometheus scrape endpoint on the given port. Blocks.
func Serve(port string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	if log != nil {
		log.Info("metrics endpoint listening", zap.String("port", port))
	}
	return srv.ListenAndServe()
}
