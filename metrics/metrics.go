// Package metrics provides Prometheus metrics for the PBFT engine.
package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "pbft"

// Metrics holds all Prometheus metrics for one engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Protocol progress
	View          prometheus.Gauge
	LowWatermark  prometheus.Gauge
	LastFinalized prometheus.Gauge
	LogSize       prometheus.Gauge
	Peers         prometheus.Gauge

	// Message flow
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec

	// Events
	BlocksFinalized prometheus.Counter
	ViewChanges     prometheus.Counter
	Checkpoints     prometheus.Counter
	Equivocations   prometheus.Counter
	OutOfSync       prometheus.Counter

	CommitLatency prometheus.Histogram
}

// New registers the engine metrics with reg. A nil reg uses the default
// Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		View: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "view",
			Help:      "Current view number",
		}),
		LowWatermark: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "low_watermark",
			Help:      "Sequence number of the last stable checkpoint",
		}),
		LastFinalized: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_finalized",
			Help:      "Highest sequence number finalized in order",
		}),
		LogSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "log_size",
			Help:      "Number of messages held in the message log",
		}),
		Peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "connected_peers",
			Help:      "Number of connected peers",
		}),

		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_received_total",
			Help:      "Accepted protocol messages by type",
		}, []string{"type"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_dropped_total",
			Help:      "Dropped protocol messages by reason",
		}, []string{"reason"}),

		BlocksFinalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "blocks_finalized_total",
			Help:      "Blocks handed to the host for commit",
		}),
		ViewChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "view_changes_total",
			Help:      "New views adopted",
		}),
		Checkpoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stable_checkpoints_total",
			Help:      "Checkpoints that became stable",
		}),
		Equivocations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "equivocations_total",
			Help:      "Conflicting votes detected from peers",
		}),
		OutOfSync: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "out_of_sync_total",
			Help:      "Times the node fell behind a stable checkpoint",
		}),

		CommitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "commit_latency_seconds",
			Help:      "Time from pre-prepare to commit certificate",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
}

// RecordProgress updates the progress gauges.
func (m *Metrics) RecordProgress(view, low, finalized uint64, logSize int) {
	if m == nil {
		return
	}
	m.View.Set(float64(view))
	m.LowWatermark.Set(float64(low))
	m.LastFinalized.Set(float64(finalized))
	m.LogSize.Set(float64(logSize))
}

// RecordReceived counts an accepted message.
func (m *Metrics) RecordReceived(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// RecordDropped counts a dropped message.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordFinalized counts a finalized block and observes its commit latency.
func (m *Metrics) RecordFinalized(latency time.Duration) {
	if m == nil {
		return
	}
	m.BlocksFinalized.Inc()
	if latency > 0 {
		m.CommitLatency.Observe(latency.Seconds())
	}
}

// RecordViewChange counts an adopted view.
func (m *Metrics) RecordViewChange() {
	if m == nil {
		return
	}
	m.ViewChanges.Inc()
}

// RecordCheckpoint counts a stable checkpoint.
func (m *Metrics) RecordCheckpoint() {
	if m == nil {
		return
	}
	m.Checkpoints.Inc()
}

// RecordEquivocation counts detected equivocation.
func (m *Metrics) RecordEquivocation() {
	if m == nil {
		return
	}
	m.Equivocations.Inc()
}

// RecordOutOfSync counts a fall-behind.
func (m *Metrics) RecordOutOfSync() {
	if m == nil {
		return
	}
	m.OutOfSync.Inc()
}

// SetPeers updates the connected peer gauge.
func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.Peers.Set(float64(n))
}

// Server runs an HTTP server exposing /metrics, /status and /health.
type Server struct {
	server *http.Server
}

// NewServer creates a server on addr. gatherer backs /metrics; status, if
// non-nil, is encoded as JSON on /status.
func NewServer(addr string, gatherer prometheus.Gatherer, status func() any) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if status != nil {
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(status())
		})
	}

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the server (blocking).
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// StartAsync runs the server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		_ = s.server.ListenAndServe()
	}()
}

// Stop closes the server.
func (s *Server) Stop() error {
	return s.server.Close()
}
