package repocrypto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Client is the storage capability an IOProvider drives. Implementations
// speak one blob store protocol; they never see plaintext.
type Client interface {
	// Open returns the stored bytes of key. The caller closes the reader.
	// A missing object yields an error matching ErrObjectNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// CreateUpload starts a multi-part upload of key. Nothing is visible
	// under key until the upload completes.
	CreateUpload(ctx context.Context, key string) (Upload, error)
}

// Upload is an in-progress multi-part upload.
type Upload interface {
	// UploadPart stores part number n (starting at 1). data is only valid
	// for the duration of the call.
	UploadPart(ctx context.Context, n int, data []byte) error

	// Complete publishes the object from the parts uploaded so far.
	Complete(ctx context.Context) error

	// Abort discards every uploaded part.
	Abort(ctx context.Context) error
}

// IOProvider reads and writes encrypted objects through a storage client.
// It is safe for concurrent use; a reference obtained from a SettingsProvider
// remains usable after later reloads.
//
// If the client implements io.Closer it is closed once the provider has been
// replaced by a reload and every Write and Read started on it has finished.
// Operations started after that fail with ErrClientClosed.
type IOProvider[T Client] struct {
	repoType string
	client   T
	keys     *EncryptionKeyProvider
	config   ClientConfig
	logger   zerolog.Logger
	tel      *telemetry
	attrs    []attribute.KeyValue

	mu      sync.Mutex
	active  int
	retired bool
	closed  bool
}

// NewIOProvider returns an IOProvider for client. cfg must be valid.
func NewIOProvider[T Client](repoType string, client T, keys *EncryptionKeyProvider, cfg ClientConfig, opts ...Option) (*IOProvider[T], error) {
	if keys == nil {
		return nil, errors.New("repository: NewIOProvider key provider is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, &RepositoryError{RepoType: repoType, Kind: ErrInvalidSetting, Err: err}
	}
	o := newOptions(opts)
	return &IOProvider[T]{
		repoType: repoType,
		client:   client,
		keys:     keys,
		config:   cfg,
		logger:   o.logger.With().Str("repository_type", repoType).Logger(),
		tel:      newTelemetry(o),
		attrs:    []attribute.KeyValue{attribute.String("repository.type", repoType)},
	}, nil
}

// Client returns the underlying storage client.
func (p *IOProvider[T]) Client() T {
	return p.client
}

// Config returns the shared client configuration.
func (p *IOProvider[T]) Config() ClientConfig {
	return p.config
}

// Keys returns the encryption key provider.
func (p *IOProvider[T]) Keys() *EncryptionKeyProvider {
	return p.keys
}

// Write encrypts plaintext and stores it as name, resolved under the base
// path. Ciphertext is uploaded in parts of at most ChunkSize bytes. The
// object becomes visible only if every part uploads; on any failure the
// upload is aborted and no object is left behind.
func (p *IOProvider[T]) Write(ctx context.Context, name string, plaintext io.Reader) (err error) {
	if err := p.acquire(); err != nil {
		return err
	}
	defer p.release()

	key := p.config.ObjectKey(name)
	ctx, span := p.tel.tracer.Start(ctx, "repository.write",
		trace.WithAttributes(append(p.attrs, attribute.String("repository.key", key))...))
	defer func() { endSpan(span, err) }()

	upload, err := p.client.CreateUpload(ctx, key)
	if err != nil {
		return TransportError(p.repoType, "create upload", key, err)
	}

	parts := &partWriter{
		ctx:      ctx,
		upload:   upload,
		size:     int(p.config.ChunkSize),
		repoType: p.repoType,
		key:      key,
	}
	counted := &countingReader{r: plaintext}
	if err := p.encryptTo(parts, counted); err != nil {
		return p.abort(ctx, upload, key, err)
	}
	if err := upload.Complete(ctx); err != nil {
		return p.abort(ctx, upload, key, TransportError(p.repoType, "complete upload", key, err))
	}

	p.tel.parts.Add(ctx, int64(parts.count), metric.WithAttributes(p.attrs...))
	p.tel.bytes.Add(ctx, counted.n, metric.WithAttributes(append(p.attrs, attrDirectionWrite)...))
	p.logger.Debug().
		Str("key", key).
		Int("parts", parts.count).
		Int64("plaintext_bytes", counted.n).
		Int64("ciphertext_bytes", parts.written).
		Msg("object written")
	return nil
}

func (p *IOProvider[T]) encryptTo(parts *partWriter, plaintext io.Reader) error {
	enc, err := p.keys.EncryptingWriter(parts)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, plaintext); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return parts.flush()
}

func (p *IOProvider[T]) abort(ctx context.Context, upload Upload, key string, cause error) error {
	if err := upload.Abort(context.WithoutCancel(ctx)); err != nil {
		return multierror.Append(cause, TransportError(p.repoType, "abort upload", key, err))
	}
	return cause
}

// Read opens name, resolved under the base path, and returns a reader of its
// plaintext. The stream is lazy and single-pass; the remote object is read
// only as the caller consumes it. The returned reader must be closed; it is
// also released once it reports EOF or an error.
func (p *IOProvider[T]) Read(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := p.acquire(); err != nil {
		return nil, err
	}

	key := p.config.ObjectKey(name)
	ctx, span := p.tel.tracer.Start(ctx, "repository.read",
		trace.WithAttributes(append(p.attrs, attribute.String("repository.key", key))...))

	body, err := p.client.Open(ctx, key)
	if err != nil {
		err = TransportError(p.repoType, "open", key, err)
		endSpan(span, err)
		p.release()
		return nil, err
	}

	plain, err := p.keys.DecryptingReader(body)
	if err != nil {
		_ = body.Close()
		err = p.readError(key, err)
		endSpan(span, err)
		p.release()
		return nil, err
	}

	return &objectReader{
		classify: p.readError,
		key:      key,
		r:        plain,
		body:     body,
		span:     span,
		done: func(n int64) {
			p.tel.bytes.Add(ctx, n, metric.WithAttributes(append(p.attrs, attrDirectionRead)...))
			p.release()
		},
	}, nil
}

func (p *IOProvider[T]) acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return &RepositoryError{RepoType: p.repoType, Kind: ErrClientClosed, Msg: ErrClientClosed.Error()}
	}
	p.active++
	return nil
}

func (p *IOProvider[T]) release() {
	p.mu.Lock()
	p.active--
	closeNow := p.retired && p.active == 0 && !p.closed
	if closeNow {
		p.closed = true
	}
	p.mu.Unlock()
	if closeNow {
		p.closeClient()
	}
}

// retire marks the provider as replaced. A closable client is closed as
// soon as no operation is using it; other clients are left alone.
func (p *IOProvider[T]) retire() {
	if _, ok := any(p.client).(io.Closer); !ok {
		return
	}
	p.mu.Lock()
	p.retired = true
	closeNow := p.active == 0 && !p.closed
	if closeNow {
		p.closed = true
	}
	p.mu.Unlock()
	if closeNow {
		p.closeClient()
	}
}

func (p *IOProvider[T]) closeClient() {
	if err := any(p.client).(io.Closer).Close(); err != nil {
		p.logger.Warn().Err(err).Msg("closing replaced storage client failed")
		return
	}
	p.logger.Debug().Msg("replaced storage client closed")
}

// readError classifies a failure while decrypting a remote stream.
func (p *IOProvider[T]) readError(key string, err error) error {
	if IsDecryptionFailed(err) || IsInvalidFormat(err) {
		return err
	}
	return TransportError(p.repoType, "read", key, err)
}

// partWriter buffers ciphertext into parts of exactly size bytes; only the
// final part may be shorter.
type partWriter struct {
	ctx      context.Context
	upload   Upload
	size     int
	buf      []byte
	count    int
	written  int64
	repoType string
	key      string
}

func (w *partWriter) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		k := min(len(p), w.size-len(w.buf))
		w.buf = append(w.buf, p[:k]...)
		p = p[k:]
		n += k
		if len(w.buf) == w.size {
			if err := w.flush(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (w *partWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	w.count++
	if err := w.upload.UploadPart(w.ctx, w.count, w.buf); err != nil {
		return TransportError(w.repoType, fmt.Sprintf("upload part %d of", w.count), w.key, err)
	}
	w.written += int64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// objectReader exposes decrypted plaintext and releases the remote stream
// exactly once.
type objectReader struct {
	classify func(key string, err error) error
	key      string
	r        io.Reader
	body     io.ReadCloser
	span     trace.Span
	done     func(n int64)

	n        int64
	once     sync.Once
	closeErr error
	err      error
}

func (o *objectReader) Read(p []byte) (int, error) {
	if o.err != nil {
		return 0, o.err
	}
	n, err := o.r.Read(p)
	o.n += int64(n)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			err = o.classify(o.key, err)
		}
		o.err = err
		o.release(err)
	}
	return n, err
}

// Close releases the remote stream. It is safe to call more than once.
func (o *objectReader) Close() error {
	o.release(nil)
	return o.closeErr
}

func (o *objectReader) release(cause error) {
	o.once.Do(func() {
		o.closeErr = o.body.Close()
		o.done(o.n)
		if errors.Is(cause, io.EOF) {
			cause = nil
		}
		endSpan(o.span, cause)
	})
}
