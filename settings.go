package repocrypto

import (
	"bytes"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
)

// KeystorePrefix namespaces secure settings owned by this module.
const KeystorePrefix = "repository."

// Secure setting names for the repository key pair.
const (
	PublicKeyFileSetting  = KeystorePrefix + "public_key_file"
	PrivateKeyFileSetting = KeystorePrefix + "private_key_file"
)

// Plain setting names shared by every backend.
const (
	BasePathSetting          = "base_path"
	BucketNameSetting        = "bucket_name"
	ChunkSizeSetting         = "chunk_size"
	ConnectionTimeoutSetting = "connection_timeout"
	ReadTimeoutSetting       = "read_timeout"
)

// Chunk size bounds.
const (
	MinChunkSize     ByteSize = 1
	MaxChunkSize     ByteSize = 100 << 20
	DefaultChunkSize          = MaxChunkSize
)

// Settings is an immutable snapshot of repository settings: plain string
// values plus secure byte sources such as key files and credentials.
// The zero value is an empty snapshot.
type Settings struct {
	values map[string]string
	secure map[string][]byte
}

// NewSettings returns a snapshot holding copies of values and secure.
// Either map may be nil.
func NewSettings(values map[string]string, secure map[string][]byte) Settings {
	s := Settings{
		values: maps.Clone(values),
		secure: make(map[string][]byte, len(secure)),
	}
	for k, v := range secure {
		s.secure[k] = bytes.Clone(v)
	}
	return s
}

// IsEmpty reports whether the snapshot holds no settings at all.
func (s Settings) IsEmpty() bool {
	return len(s.values) == 0 && len(s.secure) == 0
}

// Get returns a plain setting.
func (s Settings) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Secure returns a copy of a secure setting. Empty sources are reported as absent.
func (s Settings) Secure(key string) ([]byte, bool) {
	v, ok := s.secure[key]
	if !ok || len(v) == 0 {
		return nil, false
	}
	return bytes.Clone(v), true
}

// HasSecure reports whether a non-empty secure setting is present.
func (s Settings) HasSecure(key string) bool {
	return len(s.secure[key]) > 0
}

// Keys returns the sorted names of all plain and secure settings.
func (s Settings) Keys() []string {
	keys := slices.Collect(maps.Keys(s.values))
	for k := range s.secure {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// ByteSize is a size in bytes decoded from settings such as "512kb" or "100mb".
type ByteSize int64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses a human readable size. Units "kb", "mb", "gb" and "tb"
// are binary (1kb = 1024 bytes), as are the explicit "kib" forms. A bare
// number is a count of bytes.
func ParseByteSize(s string) (ByteSize, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("%w: empty byte size", ErrInvalidSetting)
	}
	for _, unit := range []string{"kb", "mb", "gb", "tb", "pb"} {
		if strings.HasSuffix(v, unit) {
			v = strings.TrimSuffix(v, unit) + unit[:1] + "ib"
			break
		}
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("%w: byte size %q: %v", ErrInvalidSetting, s, err)
	}
	if n > uint64(1<<62) {
		return 0, fmt.Errorf("%w: byte size %q too large", ErrInvalidSetting, s)
	}
	return ByteSize(n), nil
}

var byteSizeType = reflect.TypeOf(ByteSize(0))

func byteSizeHook(from, to reflect.Type, data any) (any, error) {
	if to != byteSizeType || from.Kind() != reflect.String {
		return data, nil
	}
	return ParseByteSize(data.(string))
}

// DecodeSettings decodes the plain settings into out, a pointer to a struct
// whose fields carry `mapstructure` tags. Values are weakly typed: "5" decodes
// into an int, "true" into a bool, "2mb" into a ByteSize and "30s" into a
// time.Duration. Unknown settings are ignored.
func DecodeSettings(s Settings, out any) error {
	input := make(map[string]any, len(s.values))
	for k, v := range s.values {
		input[k] = v
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			byteSizeHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSetting, err)
	}
	return nil
}

// ClientConfig holds the settings shared by every storage backend.
type ClientConfig struct {
	BasePath          string   `mapstructure:"base_path"`
	BucketName        string   `mapstructure:"bucket_name"`
	ChunkSize         ByteSize `mapstructure:"chunk_size"`
	ConnectionTimeout int      `mapstructure:"connection_timeout"` // milliseconds, -1 for none
	ReadTimeout       int      `mapstructure:"read_timeout"`       // milliseconds, -1 for none
}

// DefaultClientConfig returns the configuration used for absent settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ChunkSize:         DefaultChunkSize,
		ConnectionTimeout: -1,
		ReadTimeout:       -1,
	}
}

// LoadClientConfig decodes and validates the shared settings for repoType.
func LoadClientConfig(repoType string, s Settings) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := DecodeSettings(s, &cfg); err != nil {
		return ClientConfig{}, &RepositoryError{RepoType: repoType, Kind: ErrInvalidSetting, Err: err}
	}

	for _, key := range []string{BasePathSetting, BucketNameSetting} {
		if v, ok := s.Get(key); ok && strings.TrimSpace(v) == "" {
			return ClientConfig{}, MissingSettingError(repoType, key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, &RepositoryError{RepoType: repoType, Kind: ErrInvalidSetting, Err: err}
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c ClientConfig) Validate() error {
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: %s must be between %d and %d bytes, got %d",
			ErrInvalidSetting, ChunkSizeSetting, MinChunkSize, MaxChunkSize, c.ChunkSize)
	}
	if c.ConnectionTimeout < -1 {
		return fmt.Errorf("%w: %s must be -1 or greater, got %d", ErrInvalidSetting, ConnectionTimeoutSetting, c.ConnectionTimeout)
	}
	if c.ReadTimeout < -1 {
		return fmt.Errorf("%w: %s must be -1 or greater, got %d", ErrInvalidSetting, ReadTimeoutSetting, c.ReadTimeout)
	}
	return nil
}

// RequireBucket returns an error naming bucket_name if it is not set.
func (c ClientConfig) RequireBucket(repoType string) error {
	if c.BucketName == "" {
		return MissingSettingError(repoType, BucketNameSetting)
	}
	return nil
}

// ConnectTimeout returns the connection timeout, or zero for none.
func (c ClientConfig) ConnectTimeout() time.Duration {
	return millis(c.ConnectionTimeout)
}

// ReadTimeoutDuration returns the read timeout, or zero for none.
func (c ClientConfig) ReadTimeoutDuration() time.Duration {
	return millis(c.ReadTimeout)
}

// ObjectKey resolves name under the configured base path.
func (c ClientConfig) ObjectKey(name string) string {
	name = strings.TrimPrefix(name, "/")
	if c.BasePath == "" {
		return name
	}
	return strings.TrimSuffix(c.BasePath, "/") + "/" + name
}

func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
