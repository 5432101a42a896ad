// Package fsstore stores encrypted repository objects on a local or mounted
// filesystem.
//
// Keys are slash separated paths. Uploads are staged in a temporary file next
// to their destination and published with an atomic rename on Complete, so a
// reader never observes a partially written object.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/natefinch/atomic"

	repocrypto "github.com/rbaliyan/repository-crypto"
)

// RepoType is the repository type served by this package.
const RepoType = "encrypted-fs"

const (
	dirMode  = 0o750
	tempGlob = ".upload-*"
)

// Config configures a filesystem client.
type Config struct {
	repocrypto.ClientConfig
}

// LoadConfig decodes settings. base_path is required and names the
// directory objects are stored under.
func LoadConfig(settings repocrypto.Settings) (Config, error) {
	shared, err := repocrypto.LoadClientConfig(RepoType, settings)
	if err != nil {
		return Config{}, err
	}
	return configFrom(shared)
}

func configFrom(shared repocrypto.ClientConfig) (Config, error) {
	if shared.BasePath == "" {
		return Config{}, repocrypto.MissingSettingError(RepoType, repocrypto.BasePathSetting)
	}
	return Config{ClientConfig: shared}, nil
}

// Client reads and writes objects under a root directory.
type Client struct {
	root string
}

// New returns a client rooted at root. An empty root resolves keys against
// the working directory.
func New(root string) *Client {
	return &Client{root: root}
}

// Factory builds clients for a repocrypto.SettingsProvider. Object keys
// already carry base_path, so the client itself is unrooted.
func Factory(_ context.Context, _ repocrypto.Settings, shared repocrypto.ClientConfig) (*Client, error) {
	if _, err := configFrom(shared); err != nil {
		return nil, err
	}
	return New(""), nil
}

// NewSettingsProvider returns a settings provider for encrypted-fs repositories.
func NewSettingsProvider(opts ...repocrypto.Option) (*repocrypto.SettingsProvider[*Client], error) {
	return repocrypto.NewSettingsProvider(RepoType, Factory, opts...)
}

func (c *Client) path(key string) (string, error) {
	if key == "" || slices.Contains(strings.Split(key, "/"), "..") {
		return "", fmt.Errorf("fsstore: invalid object key %q", key)
	}
	return filepath.Join(c.root, filepath.FromSlash(key)), nil
}

// Open opens the object stored under key.
func (c *Client) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := c.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", repocrypto.ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// CreateUpload creates the destination directory and a temporary file to
// stage parts in.
func (c *Client) CreateUpload(_ context.Context, key string) (repocrypto.Upload, error) {
	dst, err := c.path(key)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, tempGlob)
	if err != nil {
		return nil, err
	}
	return &upload{tmp: tmp, dst: dst}, nil
}

type upload struct {
	mu   sync.Mutex
	tmp  *os.File
	dst  string
	next int
	done bool
}

func (u *upload) UploadPart(_ context.Context, n int, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return errors.New("fsstore: upload already finished")
	}
	if n != u.next+1 {
		return fmt.Errorf("fsstore: part %d out of order, expected %d", n, u.next+1)
	}
	if _, err := u.tmp.Write(data); err != nil {
		return err
	}
	u.next = n
	return nil
}

func (u *upload) Complete(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return errors.New("fsstore: upload already finished")
	}
	u.done = true
	name := u.tmp.Name()
	if err := u.tmp.Sync(); err != nil {
		_ = u.tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := u.tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := atomic.ReplaceFile(name, u.dst); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

func (u *upload) Abort(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return nil
	}
	u.done = true
	name := u.tmp.Name()
	_ = u.tmp.Close()
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
