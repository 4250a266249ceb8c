package infrastructure

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
)

const (
	serviceName = "licensectl"
	meterName   = "licensectl"
)

// Telemetry bundles the metrics provider with its scrape endpoint.
type Telemetry struct {
	MeterProvider  *sdkmetric.MeterProvider
	Meter          metric.Meter
	PrometheusHTTP http.Handler
}

// NewTelemetry wires the OpenTelemetry meter provider with a Prometheus
// reader; metrics are pulled through the returned HTTP handler.
func NewTelemetry(softwareVersion string) (*Telemetry, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(softwareVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otel resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	return &Telemetry{
		MeterProvider:  mp,
		Meter:          mp.Meter(meterName, metric.WithInstrumentationVersion(softwareVersion)),
		PrometheusHTTP: promhttp.Handler(),
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.MeterProvider == nil {
		return nil
	}
	return t.MeterProvider.Shutdown(ctx)
}
