package adapter

import (
	"go.opentelemetry.io/otel"

	"github.com/srediag/shmring/pkg/ringbuf"
)

const instrumentationName = "github.com/srediag/shmring"

// WithGlobalTelemetry points conf at the globally registered OpenTelemetry meter and
// tracer providers, leaving fields the caller already set alone.
func WithGlobalTelemetry(conf *ringbuf.Config) *ringbuf.Config {
	if conf.Meter == nil {
		conf.Meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	if conf.Tracer == nil {
		conf.Tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	}
	return conf
}
