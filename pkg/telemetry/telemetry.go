// Package telemetry wires the OpenTelemetry meter provider and its
// Prometheus exporter.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Telemetry owns the meter provider and the standalone metrics listener.
type Telemetry struct {
	cfg              *config.TelemetryConfig
	meterProvider    metric.MeterProvider
	prometheusServer *http.Server
	logger           *logging.Logger
}

// Metrics holds the application instruments.
type Metrics struct {
	QueriesTotal     metric.Int64Counter
	QueryDuration    metric.Float64Histogram
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	CacheEvictions   metric.Int64Counter
	BlockedQueries   metric.Int64Counter
	WhitelistHits    metric.Int64Counter
	ForwardedQueries metric.Int64Counter
	ProviderFailures metric.Int64Counter
	LogWritesDropped metric.Int64Counter

	CacheSize      metric.Int64UpDownCounter
	BlacklistSize  metric.Int64UpDownCounter
	SSESubscribers metric.Int64UpDownCounter
}

// New creates the telemetry stack. Disabled telemetry yields working
// no-op instruments so callers never nil-check.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	t := &Telemetry{cfg: cfg, logger: logger}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if cfg.PrometheusEnabled {
		exporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		t.meterProvider = provider
		otel.SetMeterProvider(provider)
		t.startPrometheusServer()
		logger.Info("prometheus metrics enabled", "port", cfg.PrometheusPort)
	} else {
		t.meterProvider = noop.NewMeterProvider()
	}

	return t, nil
}

func (t *Telemetry) startPrometheusServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("prometheus server failed", "error", err)
		}
	}()
}

// MeterProvider returns the configured meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// InitMetrics creates the application instruments.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("dnsgate")

	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.QueriesTotal, "dns.queries.total", "DNS queries received"},
		{&m.CacheHits, "dns.cache.hits", "Responses served from cache"},
		{&m.CacheMisses, "dns.cache.misses", "Queries not found in cache"},
		{&m.CacheEvictions, "dns.cache.evictions", "Cache entries evicted by capacity or expiry"},
		{&m.BlockedQueries, "dns.queries.blocked", "Queries answered with the block response"},
		{&m.WhitelistHits, "dns.queries.whitelisted", "Queries matched by the whitelist"},
		{&m.ForwardedQueries, "dns.queries.forwarded", "Queries sent upstream"},
		{&m.ProviderFailures, "dns.provider.failures", "Upstream exchanges that failed or were rejected"},
		{&m.LogWritesDropped, "logs.writes.dropped", "Log entries dropped by a full buffer"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
	}

	m.QueryDuration, err = meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("Query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&m.CacheSize, "cache.size", "Entries currently cached"},
		{&m.BlacklistSize, "blacklist.size", "Domains on the blacklist"},
		{&m.SSESubscribers, "events.subscribers", "Active SSE subscribers"},
	}
	for _, g := range gauges {
		*g.dst, err = meter.Int64UpDownCounter(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("create gauge %s: %w", g.name, err)
		}
	}

	return m, nil
}

// AddDroppedWrites implements the log pipeline's metrics hook without an
// import cycle.
func (m *Metrics) AddDroppedWrites(ctx context.Context, count int64) {
	if m != nil && m.LogWritesDropped != nil {
		m.LogWritesDropped.Add(ctx, count)
	}
}

// Shutdown stops the metrics listener and flushes the provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}
	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
