package telemetry

import (
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InitTracerProvider installs a process-wide TracerProvider so spans
// created by pkg/policy and pkg/loop (via otel.Tracer(...)) are
// actually sampled and recorded instead of being no-ops under the
// default provider. No span processor or exporter is attached, so
// ended spans are not kept anywhere unless a caller registers a
// processor with tp.RegisterSpanProcessor before traffic starts.
func InitTracerProvider() *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp
}

// Tracer returns a named tracer from the globally installed provider,
// matching the access pattern pkg/policy and pkg/loop already use via
// otel.Tracer directly.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
