package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyzr/flowcore/common/logger"
	"github.com/lyzr/flowcore/common/metrics"
)

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	metrics     *metrics.Metrics
	pprofAddr   string
	metricsAddr string
	enablePprof bool
	metricsSrv  *http.Server
}

// New creates telemetry components
func New(pprofPort, metricsPort int, enablePprof bool, m *metrics.Metrics, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:         log,
		metrics:     m,
		pprofAddr:   fmt.Sprintf("localhost:%d", pprofPort),
		metricsAddr: fmt.Sprintf("localhost:%d", metricsPort),
		enablePprof: enablePprof,
	}
}

// Start starts telemetry endpoints
func (t *Telemetry) Start(ctx context.Context) error {
	if t.enablePprof {
		// pprof handlers register on the default mux via the blank import
		go func() {
			t.log.Info("pprof server starting", "addr", t.pprofAddr)
			if err := http.ListenAndServe(t.pprofAddr, nil); err != nil && err != http.ErrServerClosed {
				t.log.Error("pprof server error", "error", err)
			}
		}()
	}

	if t.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.metrics.Registry(), promhttp.HandlerOpts{}))

		t.metricsSrv = &http.Server{
			Addr:    t.metricsAddr,
			Handler: mux,
		}

		go func() {
			t.log.Info("metrics server starting", "addr", t.metricsAddr)
			if err := t.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				t.log.Error("metrics server error", "error", err)
			}
		}()
	}

	return nil
}

// Stop shuts the metrics endpoint down
func (t *Telemetry) Stop(ctx context.Context) error {
	if t.metricsSrv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return t.metricsSrv.Shutdown(shutdownCtx)
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}
