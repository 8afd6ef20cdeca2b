package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Tracking metrics
	TrackedMillis = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenpact_tracked_millis_total",
			Help: "Total foreground milliseconds attributed per package",
		},
		[]string{"owner", "package"},
	)

	RecordsPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenpact_records_persisted_total",
			Help: "Usage records written to the local store",
		},
		[]string{"owner"},
	)

	// Notification metrics
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenpact_notifications_total",
			Help: "Threshold notifications emitted",
		},
		[]string{"kind"},
	)

	// Settlement metrics
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenpact_settlements_total",
			Help: "Settlement runs by result",
		},
		[]string{"result"},
	)

	PointsBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "screenpact_points_balance",
			Help: "Current points balance after settlement",
		},
		[]string{"owner"},
	)

	// Reconciliation metrics
	ReconcileRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenpact_reconcile_records_total",
			Help: "Usage records processed by reconciliation",
		},
		[]string{"status"},
	)

	// Actor metrics
	ActorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenpact_actor_runs_total",
			Help: "Periodic actor runs by outcome",
		},
		[]string{"actor", "outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		TrackedMillis,
		RecordsPersisted,
		NotificationsTotal,
		SettlementsTotal,
		PointsBalance,
		ReconcileRecords,
		ActorRuns,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
