// Package miniostore stores encrypted repository objects in MinIO or another
// S3 compatible server through the minio-go multipart API.
package miniostore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	repocrypto "github.com/rbaliyan/repository-crypto"
)

// RepoType is the repository type served by this package.
const RepoType = "encrypted-minio"

// Secure settings holding the static credentials.
const (
	AccessKeySetting = repocrypto.KeystorePrefix + "minio.access_key"
	SecretKeySetting = repocrypto.KeystorePrefix + "minio.secret_key"
)

// EndpointSetting names the host[:port] of the server.
const EndpointSetting = "endpoint"

// Config configures a MinIO client.
type Config struct {
	repocrypto.ClientConfig `mapstructure:"-"`

	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	UseSSL   bool   `mapstructure:"use_ssl"`

	AccessKey string `mapstructure:"-"`
	SecretKey string `mapstructure:"-"`
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
	cfg := Config{ClientConfig: shared, UseSSL: true}
	if err := repocrypto.DecodeSettings(settings, &cfg); err != nil {
		return Config{}, &repocrypto.RepositoryError{RepoType: RepoType, Kind: repocrypto.ErrInvalidSetting, Err: err}
	}
	if cfg.Endpoint == "" {
		return Config{}, repocrypto.MissingSettingError(RepoType, EndpointSetting)
	}
	if err := cfg.RequireBucket(RepoType); err != nil {
		return Config{}, err
	}

	access, hasAccess := settings.Secure(AccessKeySetting)
	secret, hasSecret := settings.Secure(SecretKeySetting)
	switch {
	case !hasAccess && !hasSecret:
		return Config{}, repocrypto.MissingProviderSettingsError(RepoType, "MinIO")
	case !hasAccess:
		return Config{}, repocrypto.MissingSecureSettingError(AccessKeySetting)
	case !hasSecret:
		return Config{}, repocrypto.MissingSecureSettingError(SecretKeySetting)
	}
	cfg.AccessKey = string(bytes.TrimSpace(access))
	cfg.SecretKey = string(bytes.TrimSpace(secret))
	return cfg, nil
}

// API is the subset of minio.Core used by Client.
type API interface {
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error)
	NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error)
	PutObjectPart(ctx context.Context, bucket, object, uploadID string, partID int, data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
}

var _ API = (*minio.Core)(nil)

// Client stores objects in one bucket.
type Client struct {
	api    API
	bucket string
}

// New builds a MinIO client from cfg.
func New(cfg Config) (*Client, error) {
	transport, err := minio.DefaultTransport(cfg.UseSSL)
	if err != nil {
		return nil, fmt.Errorf("miniostore: transport: %w", err)
	}
	transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout()}).DialContext
	transport.ResponseHeaderTimeout = cfg.ReadTimeoutDuration()

	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, &repocrypto.RepositoryError{RepoType: RepoType, Kind: repocrypto.ErrInvalidSetting, Err: err}
	}
	return NewWithAPI(core, cfg.BucketName), nil
}

// NewWithAPI returns a client using an existing API implementation.
func NewWithAPI(api API, bucket string) *Client {
	return &Client{api: api, bucket: bucket}
}

// Factory builds clients for a repocrypto.SettingsProvider.
func Factory(_ context.Context, settings repocrypto.Settings, shared repocrypto.ClientConfig) (*Client, error) {
	cfg, err := loadConfig(settings, shared)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// NewSettingsProvider returns a settings provider for encrypted-minio repositories.
func NewSettingsProvider(opts ...repocrypto.Option) (*repocrypto.SettingsProvider[*Client], error) {
	return repocrypto.NewSettingsProvider(RepoType, Factory, opts...)
}

// Open streams the object stored under key.
func (c *Client) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	body, _, _, err := c.api.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %w", repocrypto.ErrObjectNotFound, err)
		}
		return nil, err
	}
	return body, nil
}

// CreateUpload starts a multipart upload of key.
func (c *Client) CreateUpload(ctx context.Context, key string) (repocrypto.Upload, error) {
	id, err := c.api.NewMultipartUpload(ctx, c.bucket, key, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return nil, err
	}
	return &upload{api: c.api, bucket: c.bucket, key: key, uploadID: id}, nil
}

type upload struct {
	api      API
	bucket   string
	key      string
	uploadID string

	mu    sync.Mutex
	parts []minio.CompletePart
}

func (u *upload) UploadPart(ctx context.Context, n int, data []byte) error {
	part, err := u.api.PutObjectPart(ctx, u.bucket, u.key, u.uploadID, n,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.parts = append(u.parts, minio.CompletePart{PartNumber: n, ETag: part.ETag})
	u.mu.Unlock()
	return nil
}

func (u *upload) Complete(ctx context.Context) error {
	u.mu.Lock()
	parts := append([]minio.CompletePart(nil), u.parts...)
	u.mu.Unlock()

	_, err := u.api.CompleteMultipartUpload(ctx, u.bucket, u.key, u.uploadID, parts, minio.PutObjectOptions{})
	return err
}

func (u *upload) Abort(ctx context.Context) error {
	return u.api.AbortMultipartUpload(ctx, u.bucket, u.key, u.uploadID)
}
