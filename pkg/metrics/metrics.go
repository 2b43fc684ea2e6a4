// Package metrics exports connection verdicts, table sizes and reconcile
// outcomes in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/easzlab/ezsocklb/pkg/redirect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const readHeaderTimeout = 5 * time.Second

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry     *prometheus.Registry
	verdicts     *prometheus.CounterVec
	tableEntries *prometheus.GaugeVec
	reconciles   *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ezsocklb_verdicts_total",
			Help: "Connection attempts decided, by action and reason.",
		}, []string{"action", "reason"}),
		tableEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ezsocklb_table_entries",
			Help: "Entries in the service and backend tables after the last reconcile.",
		}, []string{"table"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ezsocklb_reconcile_total",
			Help: "Reconcile runs, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.verdicts,
		m.tableEntries,
		m.reconciles,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveVerdict counts one verdict. Its signature matches the engine's
// observer callback.
func (m *Metrics) ObserveVerdict(_ redirect.Request, v redirect.Verdict) {
	m.verdicts.WithLabelValues(v.Action.String(), v.Reason.String()).Inc()
}

// SetTableEntries records the current table sizes.
func (m *Metrics) SetTableEntries(services, backends int) {
	m.tableEntries.WithLabelValues("services").Set(float64(services))
	m.tableEntries.WithLabelValues("backends").Set(float64(backends))
}

// ObserveReconcile counts a reconcile run.
func (m *Metrics) ObserveReconcile(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.reconciles.WithLabelValues(result).Inc()
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics.
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// Serve starts serving m on addr in the background.
func Serve(m *Metrics, addr string, logger *zap.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	s := &Server{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		listener: listener,
		logger:   logger,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("metrics server started", zap.String("address", listener.Addr().String()))
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Shutdown stops the server, waiting for open requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping metrics server")
	return s.server.Shutdown(ctx)
}
