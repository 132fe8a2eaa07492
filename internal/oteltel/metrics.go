package oteltel

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// InitMetrics configures a global meter provider backed by the OTel
// Prometheus bridge, so a pull-based collector scrapes the engine
// directly rather than waiting on an OTLP push interval. Returns a
// shutdown func and the handler to mount at GET /metrics — mirroring
// how policy-service/main.go conditionally mounts its promHandler. On
// exporter failure it logs a warning and returns a no-op shutdown with
// a nil handler, the same fail-open posture as InitTracer.
func InitMetrics(service string) (shutdown func(context.Context) error, handler http.Handler) {
	exp, err := otelprom.New()
	if err != nil {
		slog.Warn("prometheus metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, nil
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("prometheus metrics bridge initialized")
	return mp.Shutdown, promhttp.Handler()
}
