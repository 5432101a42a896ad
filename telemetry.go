package repocrypto

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/repository-crypto"

var (
	attrDirectionRead  = attribute.String("direction", "read")
	attrDirectionWrite = attribute.String("direction", "write")
	attrResultSuccess  = attribute.String("result", "success")
	attrResultFailure  = attribute.String("result", "failure")
	attrResultSkipped  = attribute.String("result", "skipped")
)

type telemetry struct {
	tracer  trace.Tracer
	bytes   metric.Int64Counter
	parts   metric.Int64Counter
	reloads metric.Int64Counter
}

func newTelemetry(o options) *telemetry {
	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := o.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	t := &telemetry{tracer: tp.Tracer(instrumentationName)}
	var err error
	if t.bytes, err = meter.Int64Counter("repository.io.bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Plaintext bytes moved through encrypted repository streams.")); err != nil {
		t.bytes = noop.Int64Counter{}
	}
	if t.parts, err = meter.Int64Counter("repository.io.parts",
		metric.WithDescription("Ciphertext parts uploaded.")); err != nil {
		t.parts = noop.Int64Counter{}
	}
	if t.reloads, err = meter.Int64Counter("repository.reloads",
		metric.WithDescription("Settings reload attempts by result.")); err != nil {
		t.reloads = noop.Int64Counter{}
	}
	return t
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
