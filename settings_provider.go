package repocrypto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Factory builds a storage client from a settings snapshot. cfg holds the
// already validated shared settings; backend specific settings are read from
// settings. A Factory must not publish or retain anything on failure.
type Factory[T Client] func(ctx context.Context, settings Settings, cfg ClientConfig) (T, error)

// SettingsProvider holds the current IOProvider for one repository type and
// replaces it when settings change.
//
// Current never blocks and never observes a partially built provider. Reload
// calls are serialized; a new provider is built off to the side and published
// with a single atomic store only if every step succeeded. A provider replaced
// by a reload stays usable for operations already in flight; its client is
// closed after they finish if it implements io.Closer.
type SettingsProvider[T Client] struct {
	repoType string
	factory  Factory[T]
	opts     []Option
	o        options
	tel      *telemetry

	mu      sync.Mutex
	current atomic.Pointer[IOProvider[T]]
}

// NewSettingsProvider returns an unconfigured provider. opts are also applied
// to every IOProvider it builds.
func NewSettingsProvider[T Client](repoType string, factory Factory[T], opts ...Option) (*SettingsProvider[T], error) {
	if repoType == "" {
		return nil, errors.New("repository: NewSettingsProvider repository type is empty")
	}
	if factory == nil {
		return nil, errors.New("repository: NewSettingsProvider factory is nil")
	}
	o := newOptions(opts)
	o.logger = o.logger.With().Str("repository_type", repoType).Logger()
	return &SettingsProvider[T]{
		repoType: repoType,
		factory:  factory,
		opts:     opts,
		o:        o,
		tel:      newTelemetry(o),
	}, nil
}

// RepoType returns the repository type tag.
func (p *SettingsProvider[T]) RepoType() string {
	return p.repoType
}

// Current returns the published IOProvider, or ErrNotConfigured if no reload
// has succeeded yet.
func (p *SettingsProvider[T]) Current() (*IOProvider[T], error) {
	cur := p.current.Load()
	if cur == nil {
		return nil, ErrNotConfigured
	}
	return cur, nil
}

// Reload builds a new IOProvider from settings and publishes it.
//
// An empty snapshot is a no-op and keeps the current provider. A snapshot
// that configures neither half of the key pair is skipped the same way. On
// failure the current provider is left untouched and the cause is returned
// as a *ReloadError carrying the cause's message.
func (p *SettingsProvider[T]) Reload(ctx context.Context, settings Settings) (err error) {
	if settings.IsEmpty() {
		p.o.logger.Debug().Msg("empty settings, keeping current client")
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := p.tel.tracer.Start(ctx, "repository.reload",
		trace.WithAttributes(attribute.String("repository.type", p.repoType)))
	defer func() { endSpan(span, err) }()

	if !settings.HasSecure(PublicKeyFileSetting) && !settings.HasSecure(PrivateKeyFileSetting) {
		p.tel.reloads.Add(ctx, 1, metric.WithAttributes(attrResultSkipped))
		p.o.logger.Info().Msg("no key pair configured, keeping current client")
		return nil
	}

	next, err := p.build(ctx, settings)
	if err != nil {
		p.tel.reloads.Add(ctx, 1, metric.WithAttributes(attrResultFailure))
		p.o.logger.Error().Err(err).Msg("settings reload failed")
		return &ReloadError{Err: err}
	}

	prev := p.current.Swap(next)
	if prev != nil {
		prev.retire()
	}
	p.tel.reloads.Add(ctx, 1, metric.WithAttributes(attrResultSuccess))
	p.o.logger.Info().
		Bool("replaced", prev != nil).
		Str("bucket", next.config.BucketName).
		Str("base_path", next.config.BasePath).
		Stringer("chunk_size", next.config.ChunkSize).
		Msg("storage client configured")
	return nil
}

func (p *SettingsProvider[T]) build(ctx context.Context, settings Settings) (*IOProvider[T], error) {
	public, _ := settings.Secure(PublicKeyFileSetting)
	private, _ := settings.Secure(PrivateKeyFileSetting)
	defer memguard.WipeBytes(private)

	if p.o.unsealer != nil && len(private) > 0 {
		unsealed, err := p.o.unsealer.Unseal(ctx, private)
		if err != nil {
			return nil, fmt.Errorf("repository: unsealing %s: %w", PrivateKeyFileSetting, err)
		}
		defer memguard.WipeBytes(unsealed)
		private = unsealed
	}

	pair, err := LoadKeyPair(public, private)
	if err != nil {
		return nil, err
	}
	keys, err := NewEncryptionKeyProvider(pair)
	if err != nil {
		return nil, err
	}

	cfg, err := LoadClientConfig(p.repoType, settings)
	if err != nil {
		return nil, err
	}
	client, err := p.factory(ctx, settings, cfg)
	if err != nil {
		return nil, err
	}
	return NewIOProvider(p.repoType, client, keys, cfg, p.opts...)
}
