package gcsstore

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	repocrypto "github.com/rbaliyan/repository-crypto"
	"github.com/rbaliyan/repository-crypto/internal/testutil"
)

// fakeBucket keeps objects in memory. An object appears only when its
// writer is closed without the context being cancelled.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	chunks  []int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}}
}

func (b *fakeBucket) NewReader(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBucket) NewWriter(ctx context.Context, key string, chunkSize int) io.WriteCloser {
	b.mu.Lock()
	b.chunks = append(b.chunks, chunkSize)
	b.mu.Unlock()
	return &fakeWriter{ctx: ctx, bucket: b, key: key}
}

type fakeWriter struct {
	ctx    context.Context
	bucket *fakeBucket
	key    string
	buf    bytes.Buffer
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	return w.buf.Write(p)
}

func (w *fakeWriter) Close() error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.bucket.mu.Lock()
	defer w.bucket.mu.Unlock()
	w.bucket.objects[w.key] = bytes.Clone(w.buf.Bytes())
	return nil
}

func newIOProvider(t *testing.T, bucket Bucket) *repocrypto.IOProvider[*Client] {
	t.Helper()
	pub, priv := testutil.PEMPair(t, testutil.RSAKey(t))
	pair, err := repocrypto.LoadKeyPair(pub, priv)
	require.NoError(t, err)
	keys, err := repocrypto.NewEncryptionKeyProvider(pair)
	require.NoError(t, err)

	cfg := repocrypto.DefaultClientConfig()
	cfg.BucketName = "backups"
	cfg.ChunkSize = 2048
	p, err := repocrypto.NewIOProvider(RepoType, NewWithBucket(bucket, int(cfg.ChunkSize)), keys, cfg)
	require.NoError(t, err)
	return p
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	p := newIOProvider(t, bucket)

	plaintext := testutil.Pattern(9000)
	require.NoError(t, p.Write(ctx, "snap-1", bytes.NewReader(plaintext)))
	assert.Contains(t, bucket.objects, "snap-1")
	assert.Equal(t, []int{2048}, bucket.chunks)

	r, err := p.Read(ctx, "snap-1")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("source failed") }

func TestAbortLeavesNoObject(t *testing.T) {
	bucket := newFakeBucket()
	p := newIOProvider(t, bucket)

	err := p.Write(context.Background(), "snap-1", io.MultiReader(bytes.NewReader(testutil.Pattern(100)), errReader{}))
	require.Error(t, err)
	assert.Empty(t, bucket.objects)
}

func TestOpenNotExist(t *testing.T) {
	p := newIOProvider(t, newFakeBucket())

	_, err := p.Read(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, repocrypto.IsObjectNotFound(err))
}

func TestUploadPartOrder(t *testing.T) {
	ctx := context.Background()
	c := NewWithBucket(newFakeBucket(), 1024)
	u, err := c.CreateUpload(ctx, "k")
	require.NoError(t, err)

	assert.Error(t, u.UploadPart(ctx, 2, []byte("x")))
	require.NoError(t, u.UploadPart(ctx, 1, []byte("x")))
	require.NoError(t, u.Complete(ctx))
	assert.Error(t, u.Complete(ctx))
	assert.NoError(t, u.Abort(ctx))
}

func serviceAccountJSON(t *testing.T) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(testutil.OtherRSAKey(t))
	require.NoError(t, err)
	b, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "some_project",
		"private_key_id": "abc123",
		"private_key":    string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"client_email":   "backup@some_project.iam.gserviceaccount.com",
		"client_id":      "1234567890",
		"token_uri":      "https://oauth2.googleapis.com/token",
	})
	require.NoError(t, err)
	return b
}

func TestLoadConfig(t *testing.T) {
	creds := serviceAccountJSON(t)
	cfg, err := LoadConfig(repocrypto.NewSettings(map[string]string{
		repocrypto.BucketNameSetting:        "backups",
		repocrypto.ConnectionTimeoutSetting: "1",
		repocrypto.ReadTimeoutSetting:       "2",
		"project_id":                        "some_project",
	}, map[string][]byte{CredentialsFileSetting: creds}))
	require.NoError(t, err)

	assert.Equal(t, "some_project", cfg.ProjectID)
	assert.Equal(t, 1, cfg.ConnectionTimeout)
	assert.Equal(t, 2, cfg.ReadTimeout)
	assert.Equal(t, defaultApplicationName, cfg.ApplicationName)
	assert.Equal(t, creds, cfg.Credentials)
}

func TestLoadConfigMissingCredentials(t *testing.T) {
	_, err := LoadConfig(repocrypto.NewSettings(map[string]string{
		repocrypto.BucketNameSetting: "backups",
	}, nil))
	require.Error(t, err)
	assert.True(t, repocrypto.IsMissingSetting(err))
	assert.Equal(t, "[encrypted-gcs] Settings for GC storage hasn't been set", err.Error())
}

func TestLoadConfigMissingBucket(t *testing.T) {
	_, err := LoadConfig(repocrypto.NewSettings(nil, map[string][]byte{
		CredentialsFileSetting: serviceAccountJSON(t),
	}))
	require.Error(t, err)
	assert.Equal(t, "[encrypted-gcs] bucket_name hasn't been defined", err.Error())
}

func TestNewClient(t *testing.T) {
	ctx := context.Background()
	cfg, err := LoadConfig(repocrypto.NewSettings(map[string]string{
		repocrypto.BucketNameSetting: "backups",
	}, map[string][]byte{CredentialsFileSetting: serviceAccountJSON(t)}))
	require.NoError(t, err)

	c, err := New(ctx, cfg)
	require.NoError(t, err)
	assert.NoError(t, c.Close())

	cfg.Credentials = []byte("{not json")
	_, err = New(ctx, cfg)
	require.Error(t, err)
	assert.True(t, repocrypto.IsInvalidSetting(err))
}

func TestHeaderTransport(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	client := &http.Client{Transport: &headerTransport{
		base:         http.DefaultTransport,
		userAgent:    "repository-crypto",
		quotaProject: "some_project",
	}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "repository-crypto", got.Get("User-Agent"))
	assert.Equal(t, "some_project", got.Get("X-Goog-User-Project"))
}
