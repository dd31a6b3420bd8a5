package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	prometheus2 "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/exporters/prometheus"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

const (
	defaultEndpoint = "/metrics"
	meterName       = "github.com/netbirdio/ota"
)

// Metrics exposes the updates client meters in the Prometheus text format
type Metrics struct {
	Meter    api.Meter
	Endpoint string

	provider *metric.MeterProvider
	server   *http.Server
	listener net.Listener
}

// NewServer creates the meter provider and an HTTP server for it. The server listens only after Start.
// Each server gathers from its own registry so several can live in one process.
func NewServer(addr string, endpoint string) (*Metrics, error) {
	registry := prometheus2.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))

	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	router := http.NewServeMux()
	router.Handle(endpoint, promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	return &Metrics{
		Meter:    provider.Meter(meterName),
		Endpoint: endpoint,
		provider: provider,
		server:   &http.Server{Addr: addr, Handler: router},
	}, nil
}

// Handler serves the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return m.server.Handler
}

// Start binds the listen address and serves in the background
func (m *Metrics) Start() error {
	listener, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.server.Addr, err)
	}
	m.listener = listener

	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server stopped: %v", err)
		}
	}()
	log.Infof("serving metrics on %s%s", listener.Addr(), m.Endpoint)
	return nil
}

// Addr is the bound address once started, the configured one before
func (m *Metrics) Addr() string {
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.server.Addr
}

// Shutdown stops the metrics server
func (m *Metrics) Shutdown(ctx context.Context) error {
	if err := m.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	if err := m.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("meter provider: %w", err)
	}

	return nil
}
