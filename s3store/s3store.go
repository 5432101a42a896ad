// Package s3store stores encrypted repository objects in Amazon S3 or any
// S3 compatible service.
//
// Objects are written with multipart uploads, one part per ciphertext chunk.
// Credentials come from the secure settings repository.s3.access_key_id and
// repository.s3.secret_access_key.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	repocrypto "github.com/rbaliyan/repository-crypto"
)

// RepoType is the repository type served by this package.
const RepoType = "encrypted-s3"

// Secure settings holding the static credentials.
const (
	AccessKeyIDSetting     = repocrypto.KeystorePrefix + "s3.access_key_id"
	SecretAccessKeySetting = repocrypto.KeystorePrefix + "s3.secret_access_key"
)

// MinPartSize is the smallest non-final part Amazon S3 accepts in a
// multipart upload. It bounds chunk_size when no custom endpoint is set.
const MinPartSize repocrypto.ByteSize = 5 << 20

// Config configures an S3 client.
type Config struct {
	repocrypto.ClientConfig `mapstructure:"-"`

	Endpoint           string `mapstructure:"endpoint"`
	Region             string `mapstructure:"region"`
	PathStyleAccess    bool   `mapstructure:"path_style_access"`
	MaxRetries         int    `mapstructure:"max_retries"`
	UseThrottleRetries bool   `mapstructure:"use_throttle_retries"`

	AccessKeyID     string `mapstructure:"-"`
	SecretAccessKey string `mapstructure:"-"`
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
	cfg := Config{
		ClientConfig:       shared,
		MaxRetries:         3,
		UseThrottleRetries: true,
	}
	if err := repocrypto.DecodeSettings(settings, &cfg); err != nil {
		return Config{}, &repocrypto.RepositoryError{RepoType: RepoType, Kind: repocrypto.ErrInvalidSetting, Err: err}
	}
	if cfg.MaxRetries < 0 {
		return Config{}, &repocrypto.RepositoryError{
			RepoType: RepoType,
			Kind:     repocrypto.ErrInvalidSetting,
			Msg:      fmt.Sprintf("max_retries must be 0 or greater, got %d", cfg.MaxRetries),
		}
	}
	if cfg.Endpoint == "" && cfg.ChunkSize < MinPartSize {
		return Config{}, &repocrypto.RepositoryError{
			RepoType: RepoType,
			Kind:     repocrypto.ErrInvalidSetting,
			Msg: fmt.Sprintf("%s must be at least %s for Amazon S3, got %s",
				repocrypto.ChunkSizeSetting, MinPartSize, cfg.ChunkSize),
		}
	}
	if err := cfg.RequireBucket(RepoType); err != nil {
		return Config{}, err
	}

	id, hasID := settings.Secure(AccessKeyIDSetting)
	secret, hasSecret := settings.Secure(SecretAccessKeySetting)
	switch {
	case !hasID && !hasSecret:
		return Config{}, repocrypto.MissingProviderSettingsError(RepoType, "S3")
	case !hasID:
		return Config{}, repocrypto.MissingSecureSettingError(AccessKeyIDSetting)
	case !hasSecret:
		return Config{}, repocrypto.MissingSecureSettingError(SecretAccessKeySetting)
	}
	cfg.AccessKeyID = string(bytes.TrimSpace(id))
	cfg.SecretAccessKey = string(bytes.TrimSpace(secret))
	return cfg, nil
}

// API is the subset of the S3 client used by Client.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ API = (*s3.Client)(nil)

// Client stores objects in one bucket.
type Client struct {
	api    API
	bucket string
}

// New builds an S3 client from cfg.
func New(ctx context.Context, cfg Config) (*Client, error) {
	httpClient := awshttp.NewBuildableClient().
		WithDialerOptions(func(d *net.Dialer) {
			d.Timeout = cfg.ConnectTimeout()
		}).
		WithTransportOptions(func(tr *http.Transport) {
			tr.ResponseHeaderTimeout = cfg.ReadTimeoutDuration()
		})

	retryMode := aws.RetryModeStandard
	if cfg.UseThrottleRetries {
		retryMode = aws.RetryModeAdaptive
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRetryMode(retryMode),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries + 1),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3store: load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyleAccess
	})
	return NewWithAPI(api, cfg.BucketName), nil
}

// NewWithAPI returns a client using an existing S3 API implementation.
func NewWithAPI(api API, bucket string) *Client {
	return &Client{api: api, bucket: bucket}
}

// Factory builds clients for a repocrypto.SettingsProvider.
func Factory(ctx context.Context, settings repocrypto.Settings, shared repocrypto.ClientConfig) (*Client, error) {
	cfg, err := loadConfig(settings, shared)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// NewSettingsProvider returns a settings provider for encrypted-s3 repositories.
func NewSettingsProvider(opts ...repocrypto.Option) (*repocrypto.SettingsProvider[*Client], error) {
	return repocrypto.NewSettingsProvider(RepoType, Factory, opts...)
}

// Open streams the object stored under key.
func (c *Client) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %w", repocrypto.ErrObjectNotFound, err)
		}
		return nil, err
	}
	return out.Body, nil
}

// CreateUpload starts a multipart upload of key.
func (c *Client) CreateUpload(ctx context.Context, key string) (repocrypto.Upload, error) {
	out, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return &upload{
		api:      c.api,
		bucket:   c.bucket,
		key:      key,
		uploadID: aws.ToString(out.UploadId),
	}, nil
}

type upload struct {
	api      API
	bucket   string
	key      string
	uploadID string

	mu    sync.Mutex
	parts []types.CompletedPart
}

func (u *upload) UploadPart(ctx context.Context, n int, data []byte) error {
	out, err := u.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(u.key),
		UploadId:      aws.String(u.uploadID),
		PartNumber:    aws.Int32(int32(n)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return err
	}

	u.mu.Lock()
	u.parts = append(u.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(int32(n)),
	})
	u.mu.Unlock()
	return nil
}

func (u *upload) Complete(ctx context.Context) error {
	u.mu.Lock()
	parts := append([]types.CompletedPart(nil), u.parts...)
	u.mu.Unlock()

	_, err := u.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(u.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	return err
}

func (u *upload) Abort(ctx context.Context) error {
	_, err := u.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(u.uploadID),
	})
	return err
}
