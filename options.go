package repocrypto

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Unsealer decrypts a sealed private key file before it is parsed, for
// deployments that keep the repository private key encrypted under a KMS.
type Unsealer interface {
	Unseal(ctx context.Context, sealed []byte) ([]byte, error)
}

// UnsealerFunc adapts a function to the Unsealer interface.
type UnsealerFunc func(ctx context.Context, sealed []byte) ([]byte, error)

// Unseal calls f(ctx, sealed).
func (f UnsealerFunc) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	return f(ctx, sealed)
}

// Option configures an IOProvider or SettingsProvider.
type Option func(*options)

type options struct {
	logger         zerolog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	unsealer       Unsealer
}

func newOptions(opts []Option) options {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTracerProvider sets the tracer provider. The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithMeterProvider sets the meter provider. The global provider is used by default.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithPrivateKeyUnsealer makes SettingsProvider.Reload pass the private key
// file through u before parsing it. Ignored by IOProvider.
func WithPrivateKeyUnsealer(u Unsealer) Option {
	return func(o *options) {
		o.unsealer = u
	}
}
