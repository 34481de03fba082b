package exporters

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"

	"mission-marketplace/pkg/config"
)

func ProvideHttp(cfg *config.Config) (*otlptrace.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Otel.Addr),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	)

	return otlptrace.New(ctx, client)
}

// New picks the exporter for OTEL.PROTOCOL, defaulting to gRPC.
func New(cfg *config.Config) (*otlptrace.Exporter, error) {
	if strings.EqualFold(cfg.Otel.Protocol, "http") {
		return ProvideHttp(cfg)
	}
	return ProvideGrpc(cfg)
}
