package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ExporterConfig defines the metrics HTTP endpoint.
type ExporterConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ListenAddr  string `yaml:"listen_addr"`
	MetricsPath string `yaml:"metrics_path"`
}

// StatusFunc returns a JSON-serializable snapshot for /status.
type StatusFunc func() interface{}

// Exporter serves /metrics, /health and /status.
type Exporter struct {
	logger  *zap.Logger
	config  ExporterConfig
	metrics *Metrics
	status  StatusFunc
	server  *http.Server
}

// NewExporter creates an exporter. status may be nil.
func NewExporter(logger *zap.Logger, config ExporterConfig, metrics *Metrics, status StatusFunc) *Exporter {
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:9464"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	return &Exporter{
		logger:  logger.Named("exporter"),
		config:  config,
		metrics: metrics,
		status:  status,
	}
}

// Router builds the HTTP routes.
func (e *Exporter) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle(e.config.MetricsPath, promhttp.HandlerFor(e.metrics.Registry(), promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})).Methods(http.MethodGet)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if e.status == nil {
			http.Error(w, "status unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(e.status()); err != nil {
			e.logger.Warn("Failed to encode status", zap.Error(err))
		}
	}).Methods(http.MethodGet)

	return r
}

// Start listens in the background. It is a no-op when disabled.
func (e *Exporter) Start() error {
	if !e.config.Enabled {
		e.logger.Debug("Metrics exporter disabled")
		return nil
	}
	if e.metrics == nil {
		return errors.New("metrics exporter enabled without metrics")
	}

	ln, err := net.Listen("tcp", e.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.config.ListenAddr, err)
	}

	e.server = &http.Server{
		Handler:           e.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	e.logger.Info("Metrics exporter started",
		zap.String("address", ln.Addr().String()),
		zap.String("path", e.config.MetricsPath),
	)
	return nil
}

// Stop shuts the server down.
func (e *Exporter) Stop(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	if err := e.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	e.logger.Info("Metrics exporter stopped")
	return nil
}
