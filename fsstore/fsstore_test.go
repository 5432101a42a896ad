package fsstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	repocrypto "github.com/rbaliyan/repository-crypto"
	"github.com/rbaliyan/repository-crypto/internal/testutil"
)

func settings(t *testing.T, basePath string) repocrypto.Settings {
	t.Helper()
	pub, priv := testutil.PEMPair(t, testutil.RSAKey(t))
	values := map[string]string{repocrypto.ChunkSizeSetting: "1kb"}
	if basePath != "" {
		values[repocrypto.BasePathSetting] = basePath
	}
	return repocrypto.NewSettings(values, map[string][]byte{
		repocrypto.PublicKeyFileSetting:  pub,
		repocrypto.PrivateKeyFileSetting: priv,
	})
}

func newProvider(t *testing.T, dir string) *repocrypto.IOProvider[*Client] {
	t.Helper()
	p, err := NewSettingsProvider()
	require.NoError(t, err)
	require.NoError(t, p.Reload(context.Background(), settings(t, dir)))
	cur, err := p.Current()
	require.NoError(t, err)
	return cur
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	var names []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(dir, path)
			names = append(names, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	return names
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := newProvider(t, dir)

	plaintext := testutil.Pattern(10_000)
	require.NoError(t, p.Write(ctx, "snapshots/index-0", bytes.NewReader(plaintext)))
	assert.Equal(t, []string{"snapshots/index-0"}, entries(t, dir))

	stored, err := os.ReadFile(filepath.Join(dir, "snapshots", "index-0"))
	require.NoError(t, err)
	assert.NotContains(t, string(stored), string(plaintext[:64]))

	r, err := p.Read(ctx, "snapshots/index-0")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOverwrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := newProvider(t, dir)

	require.NoError(t, p.Write(ctx, "blob", bytes.NewReader([]byte("first"))))
	require.NoError(t, p.Write(ctx, "blob", bytes.NewReader([]byte("second"))))

	r, err := p.Read(ctx, "blob")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

type failingReader struct{ n int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n <= 0 {
		return 0, errors.New("source failed")
	}
	k := min(len(p), f.n)
	f.n -= k
	return k, nil
}

func TestFailedWriteLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	p := newProvider(t, dir)

	err := p.Write(context.Background(), "blob", &failingReader{n: 5000})
	require.Error(t, err)
	assert.Empty(t, entries(t, dir))
}

func TestOpenMissing(t *testing.T) {
	p := newProvider(t, t.TempDir())

	_, err := p.Read(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, repocrypto.IsObjectNotFound(err))
	assert.True(t, repocrypto.IsTransport(err))
}

func TestInvalidKey(t *testing.T) {
	c := New(t.TempDir())
	_, err := c.Open(context.Background(), "../escape")
	assert.Error(t, err)
	_, err = c.CreateUpload(context.Background(), "a/../../escape")
	assert.Error(t, err)
}

func TestUploadPartOrder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	u, err := New(dir).CreateUpload(ctx, "blob")
	require.NoError(t, err)

	require.NoError(t, u.UploadPart(ctx, 1, []byte("a")))
	assert.Error(t, u.UploadPart(ctx, 3, []byte("c")))
	require.NoError(t, u.UploadPart(ctx, 2, []byte("b")))
	require.NoError(t, u.Complete(ctx))
	assert.NoError(t, u.Abort(ctx))
	assert.Error(t, u.UploadPart(ctx, 3, []byte("c")))

	got, err := os.ReadFile(filepath.Join(dir, "blob"))
	require.NoError(t, err)
	assert.Equal(t, "ab", string(got))
}

func TestMissingBasePath(t *testing.T) {
	_, err := LoadConfig(repocrypto.NewSettings(map[string]string{repocrypto.BucketNameSetting: "b"}, nil))
	require.Error(t, err)
	assert.Equal(t, "[encrypted-fs] base_path hasn't been defined", err.Error())

	p, err := NewSettingsProvider()
	require.NoError(t, err)
	err = p.Reload(context.Background(), settings(t, ""))
	require.Error(t, err)
	assert.Equal(t, "[encrypted-fs] base_path hasn't been defined", err.Error())
	var reloadErr *repocrypto.ReloadError
	assert.ErrorAs(t, err, &reloadErr)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(repocrypto.NewSettings(map[string]string{
		repocrypto.BasePathSetting:  "/var/backups",
		repocrypto.ChunkSizeSetting: "8mb",
	}, nil))
	require.NoError(t, err)
	assert.Equal(t, "/var/backups", cfg.BasePath)
	assert.Equal(t, repocrypto.ByteSize(8<<20), cfg.ChunkSize)
}
