// Package gcsstore stores encrypted repository objects in Google Cloud Storage.
//
// The service account key is read from the secure setting
// repository.gcs.credentials_file. Writes use resumable uploads sized by
// chunk_size; an aborted upload cancels the writer and leaves no object.
//
// Client implements io.Closer, so a repocrypto.SettingsProvider closes the
// client of a replaced provider once its in-flight reads and writes finish.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	repocrypto "github.com/rbaliyan/repository-crypto"
)

// RepoType is the repository type served by this package.
const RepoType = "encrypted-gcs"

// CredentialsFileSetting is the secure setting holding the service account JSON.
const CredentialsFileSetting = repocrypto.KeystorePrefix + "gcs.credentials_file"

const defaultApplicationName = "repository-crypto"

// Config configures a GCS client.
type Config struct {
	repocrypto.ClientConfig `mapstructure:"-"`

	ProjectID       string `mapstructure:"project_id"`
	Endpoint        string `mapstructure:"endpoint"`
	ApplicationName string `mapstructure:"application_name"`

	Credentials []byte `mapstructure:"-"`
}

// LoadConfig decodes settings into a Config.
func LoadConfig(settings repocrypto.Settings) (Config, error) {
	shared, err := repocrypto.LoadClientConfig(RepoType, settings)
	if err != nil {
		return Config{}, err
	}
	return loadConfig(settings, shared)
}

func loadConfig(settings repocrypto.Settings, shared repocrypto.ClientConfig) (Config, error) {
	creds, ok := settings.Secure(CredentialsFileSetting)
	if !ok {
		return Config{}, repocrypto.MissingProviderSettingsError(RepoType, "GC")
	}
	cfg := Config{
		ClientConfig:    shared,
		ApplicationName: defaultApplicationName,
		Credentials:     creds,
	}
	if err := repocrypto.DecodeSettings(settings, &cfg); err != nil {
		return Config{}, &repocrypto.RepositoryError{RepoType: RepoType, Kind: repocrypto.ErrInvalidSetting, Err: err}
	}
	if err := cfg.RequireBucket(RepoType); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Bucket is the subset of a GCS bucket used by Client.
type Bucket interface {
	NewReader(ctx context.Context, key string) (io.ReadCloser, error)
	NewWriter(ctx context.Context, key string, chunkSize int) io.WriteCloser
}

type bucketHandle struct {
	h *storage.BucketHandle
}

func (b bucketHandle) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return b.h.Object(key).NewReader(ctx)
}

func (b bucketHandle) NewWriter(ctx context.Context, key string, chunkSize int) io.WriteCloser {
	w := b.h.Object(key).NewWriter(ctx)
	w.ChunkSize = chunkSize
	return w
}

// Client stores objects in one bucket.
type Client struct {
	bucket    Bucket
	chunkSize int
	closer    io.Closer
}

// New builds a GCS client from cfg.
func New(ctx context.Context, cfg Config) (*Client, error) {
	creds, err := google.CredentialsFromJSON(ctx, cfg.Credentials, storage.ScopeReadWrite)
	if err != nil {
		return nil, &repocrypto.RepositoryError{
			RepoType: RepoType,
			Kind:     repocrypto.ErrInvalidSetting,
			Msg:      "invalid " + CredentialsFileSetting,
			Err:      err,
		}
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout()}).DialContext
	base.ResponseHeaderTimeout = cfg.ReadTimeoutDuration()

	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Source: creds.TokenSource,
			Base: &headerTransport{
				base:         base,
				userAgent:    cfg.ApplicationName,
				quotaProject: cfg.ProjectID,
			},
		},
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	sc, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcsstore: create storage client: %w", err)
	}

	c := NewWithBucket(bucketHandle{h: sc.Bucket(cfg.BucketName)}, int(cfg.ChunkSize))
	c.closer = sc
	return c, nil
}

// NewWithBucket returns a client over an existing bucket implementation.
func NewWithBucket(bucket Bucket, chunkSize int) *Client {
	return &Client{bucket: bucket, chunkSize: chunkSize}
}

// Factory builds clients for a repocrypto.SettingsProvider.
func Factory(ctx context.Context, settings repocrypto.Settings, shared repocrypto.ClientConfig) (*Client, error) {
	cfg, err := loadConfig(settings, shared)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// NewSettingsProvider returns a settings provider for encrypted-gcs repositories.
func NewSettingsProvider(opts ...repocrypto.Option) (*repocrypto.SettingsProvider[*Client], error) {
	return repocrypto.NewSettingsProvider(RepoType, Factory, opts...)
}

// Close releases the underlying storage client, if any.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Open streams the object stored under key.
func (c *Client) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := c.bucket.NewReader(ctx, key)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %w", repocrypto.ErrObjectNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// CreateUpload starts a resumable upload of key. The object is created when
// the upload completes.
func (c *Client) CreateUpload(ctx context.Context, key string) (repocrypto.Upload, error) {
	ctx, cancel := context.WithCancel(ctx)
	return &upload{
		w:      c.bucket.NewWriter(ctx, key, c.chunkSize),
		cancel: cancel,
	}, nil
}

type upload struct {
	mu     sync.Mutex
	w      io.WriteCloser
	cancel context.CancelFunc
	next   int
	done   bool
}

func (u *upload) UploadPart(_ context.Context, n int, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return errors.New("gcsstore: upload already finished")
	}
	if n != u.next+1 {
		return fmt.Errorf("gcsstore: part %d out of order, expected %d", n, u.next+1)
	}
	if _, err := u.w.Write(data); err != nil {
		return err
	}
	u.next = n
	return nil
}

func (u *upload) Complete(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return errors.New("gcsstore: upload already finished")
	}
	u.done = true
	defer u.cancel()
	return u.w.Close()
}

func (u *upload) Abort(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return nil
	}
	u.done = true
	u.cancel()
	// Close after cancel reports the cancellation and never creates the object.
	_ = u.w.Close()
	return nil
}

// headerTransport sets the user agent and quota project on every request.
type headerTransport struct {
	base         http.RoundTripper
	userAgent    string
	quotaProject string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if t.quotaProject != "" {
		req.Header.Set("X-Goog-User-Project", t.quotaProject)
	}
	return t.base.RoundTrip(req)
}
