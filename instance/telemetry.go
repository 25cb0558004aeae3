package instance

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dcrouter/mtpcore"
)

const instrumentationName = "github.com/dcrouter/mtpcore/instance"

// WithTracerProvider overrides the TracerProvider send/execCallback
// spans are recorded against. Defaults to the global provider, which is
// a no-op until the caller installs a real one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(i *Instance) { i.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider overrides the MeterProvider the request/error
// counters are recorded against.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(i *Instance) { i.meter = mp.Meter(instrumentationName) }
}

func (i *Instance) initTelemetry() {
	if i.tracer == nil {
		i.tracer = otel.Tracer(instrumentationName)
	}
	if i.meter == nil {
		i.meter = otel.Meter(instrumentationName)
	}
	i.requestsSent, _ = i.meter.Int64Counter("mtpcore.requests_sent")
	i.errorsHandled, _ = i.meter.Int64Counter("mtpcore.errors_handled",
		metric.WithDescription("RPC errors classified by the error policy engine, by outcome"))
}

// traceSpanAttrs builds the common request-id attribute set shared by
// the send and execCallback spans.
func traceSpanAttrs(id mtpcore.RequestId) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.Int64("mtpcore.request_id", int64(id))}
}

func setSpanError(span trace.Span, err error) {
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
}
