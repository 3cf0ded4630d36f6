package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "sshsync"

// Handshake and config outcomes used as label values
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultApplied  = "applied"
	ResultStale    = "stale"
)

// Metrics tracks membership, handshake and sync activity of a node
type Metrics struct {
	// Connection metrics
	Connections    prometheus.Gauge
	QueueOverflows prometheus.Counter

	// Membership metrics
	Members    prometheus.Gauge
	Handshakes *prometheus.CounterVec

	// Sync metrics
	ConfigsSent       prometheus.Counter
	ConfigsReceived   *prometheus.CounterVec
	LocalChanges      prometheus.Counter
	MalformedMessages prometheus.Counter
	LastSync          prometheus.Gauge

	buildInfo *prometheus.GaugeVec
	gatherer  prometheus.Gatherer
}

// New creates and registers the metrics. A nil registry gets a private one,
// so several nodes can live in one process.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open peer connections",
		}),
		QueueOverflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_queue_overflows_total",
			Help:      "Connections closed because their send queue was full",
		}),
		Members: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "members",
			Help:      "Number of admitted remote peers",
		}),
		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Membership handshakes by result",
		}, []string{"result"}),
		ConfigsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "configs_sent_total",
			Help:      "Config files sent to peers",
		}),
		ConfigsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "configs_received_total",
			Help:      "Config files received from peers by result",
		}, []string{"result"}),
		LocalChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_changes_total",
			Help:      "Local edits of the config file that were broadcast",
		}),
		MalformedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Messages that failed to decode",
		}),
		LastSync: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_mtime_seconds",
			Help:      "Modification time of the current config as unix seconds",
		}),
		buildInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version)",
		}, []string{"version"}),
		gatherer: registry,
	}
}

// SetBuildInfo should be called once at startup
func (m *Metrics) SetBuildInfo(version string) {
	m.buildInfo.WithLabelValues(version).Set(1)
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RegisterHandlers mounts /metrics and a liveness probe
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// StartServer serves metrics on addr until the returned server is shut down
func (m *Metrics) StartServer(addr string, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	m.RegisterHandlers(mux)

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
