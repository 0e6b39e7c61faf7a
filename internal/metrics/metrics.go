// Package metrics holds the Prometheus instrumentation for the engine
// and the HTTP endpoint that exposes it.
package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every counter, gauge, and histogram the engine records.
type Metrics struct {
	reg prometheus.Registerer

	MessagesTotal   prometheus.Counter
	FramesDropped   prometheus.Counter
	DecodeErrors    prometheus.Counter
	FirstLayerPass  *prometheus.CounterVec
	SecondLayerChck *prometheus.CounterVec
	SecondLayerPass *prometheus.CounterVec
	Alerts          *prometheus.CounterVec
	CacheHits       *prometheus.CounterVec
	Fallbacks       *prometheus.CounterVec
	RateLimited     prometheus.Counter
	ReceiptNotFound prometheus.Counter
	ResolveErrors   prometheus.Counter
	CooldownHeld    prometheus.Counter
	Deduplicated    prometheus.Counter
	RetryEnqueued   prometheus.Counter
	DeadLettered    prometheus.Counter

	WSConnections prometheus.Gauge
	Reconnects    prometheus.Counter
	CacheSize     *prometheus.GaugeVec

	ProcessingSeconds prometheus.Histogram
}

// New creates and registers all metrics on the given registerer.
// cmd/monitor passes prometheus.DefaultRegisterer; tests pass a fresh
// registry so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		MessagesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "bsc_messages_total",
			Help: "WebSocket frames received",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "bsc_frames_dropped_total",
			Help: "Frames not matching any known event type",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "bsc_decode_errors_total",
			Help: "Malformed frames or log payloads",
		}),
		FirstLayerPass: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bsc_first_layer_pass_total",
			Help: "Events admitted by the USD-threshold layer",
		}, []string{"origin"}),
		SecondLayerChck: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bsc_second_layer_check_total",
			Help: "Events evaluated by the statistics layer",
		}, []string{"origin"}),
		SecondLayerPass: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bsc_second_layer_pass_total",
			Help: "Events admitted by the statistics layer",
		}, []string{"origin"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bsc_alerts_total",
			Help: "Alert deliveries by outcome",
		}, []string{"status"}),
		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bsc_cache_hits_total",
			Help: "Cache hits by kind",
		}, []string{"kind"}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bsc_stat_window_fallback_total",
			Help: "Layer-2 window widenings by edge",
		}, []string{"edge"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "bsc_http_429_total",
			Help: "Upstream 429 responses",
		}),
		ReceiptNotFound: f.NewCounter(prometheus.CounterOpts{
			Name: "bsc_receipt_not_found_total",
			Help: "Receipts still pending when fetched",
		}),
		ResolveErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "bsc_resolve_errors_total",
			Help: "Pair metadata resolution failures",
		}),
		CooldownHeld: f.NewCounter(prometheus.CounterOpts{
			Name: "bsc_cooldown_held_total",
			Help: "Events suppressed by an active cooldown",
		}),
		Deduplicated: f.NewCounter(prometheus.CounterOpts{
			Name: "bsc_deduplicated_total",
			Help: "Events discarded as already seen",
		}),
		RetryEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "bsc_retry_enqueued_total",
			Help: "Alerts pushed to the delivery retry queue",
		}),
		DeadLettered: f.NewCounter(prometheus.CounterOpts{
			Name: "bsc_dead_lettered_total",
			Help: "Alerts that exhausted delivery retries",
		}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "bsc_ws_connections",
			Help: "Live WebSocket connections (0 or 1)",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "bsc_ws_reconnects_total",
			Help: "WebSocket reconnect attempts",
		}),
		CacheSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bsc_cache_size",
			Help: "Entries per cache kind",
		}, []string{"kind"}),
		ProcessingSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bsc_processing_seconds",
			Help:    "End-to-end event processing time",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Serve exposes /metrics and /healthz on addr. Blocks until the server
// stops; run it in its own goroutine.
func Serve(addr string, gatherer prometheus.Gatherer) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	slog.Info("metrics endpoint listening", "addr", addr)
	return srv.ListenAndServe()
}
