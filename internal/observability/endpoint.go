package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tphakala/audiokernel/internal/conf"
	"github.com/tphakala/audiokernel/internal/logger"
	metricspkg "github.com/tphakala/audiokernel/internal/observability/metrics"
)

// Endpoint serves Prometheus-compatible metrics.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
	log           logger.Logger
}

// NewEndpoint creates the endpoint. It fails when metrics are disabled in settings.
func NewEndpoint(settings *conf.Settings, metrics *Metrics) (*Endpoint, error) {
	if !settings.Metrics.Enabled {
		return nil, fmt.Errorf("metrics not enabled in settings")
	}
	return &Endpoint{
		listenAddress: settings.Metrics.Listen,
		metrics:       metrics,
		log:           logger.Global().Module("telemetry"),
	}, nil
}

// Run listens until ctx is cancelled, then shuts the server down.
func (e *Endpoint) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)

	listener, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return fmt.Errorf("metrics endpoint listen: %w", err)
	}
	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.log.Info("metrics endpoint starting", logger.String("address", listener.Addr().String()))
		errCh <- e.server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	e.log.Info("stopping metrics endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricspkg.ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(shutdownCtx); err != nil {
		e.log.Error("metrics server shutdown error", logger.Error(err))
		return err
	}
	<-errCh
	return nil
}

// GetMetrics returns the Metrics instance associated with this Endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}
