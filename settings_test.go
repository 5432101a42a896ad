package repocrypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"1", 1},
		{"2", 2},
		{"1b", 1},
		{"512kb", 512 << 10},
		{"1kib", 1 << 10},
		{"1.5kb", 1536},
		{"8mb", 8 << 20},
		{"100MB", 100 << 20},
		{"100 mb", 100 << 20},
		{"1gb", 1 << 30},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, in := range []string{"", " ", "-1", "lots", "5 parsecs"} {
		_, err := ParseByteSize(in)
		assert.True(t, IsInvalidSetting(err), "input %q", in)
	}
}

func TestLoadClientConfigDefaults(t *testing.T) {
	cfg, err := LoadClientConfig("test", NewSettings(map[string]string{BucketNameSetting: "b"}, nil))
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
	assert.Equal(t, ByteSize(100*1<<20), cfg.ChunkSize)
	assert.Equal(t, -1, cfg.ConnectionTimeout)
	assert.Equal(t, -1, cfg.ReadTimeout)
	assert.Zero(t, cfg.ConnectTimeout())
	assert.Zero(t, cfg.ReadTimeoutDuration())
}

func TestLoadClientConfig(t *testing.T) {
	cfg, err := LoadClientConfig("test", NewSettings(map[string]string{
		BucketNameSetting:        "b",
		BasePathSetting:          "base",
		ChunkSizeSetting:         "100mb",
		ConnectionTimeoutSetting: "1500",
		ReadTimeoutSetting:       "30000",
		"unrelated":              "ignored",
	}, nil))
	require.NoError(t, err)
	assert.Equal(t, MaxChunkSize, cfg.ChunkSize)
	assert.Equal(t, 1500*time.Millisecond, cfg.ConnectTimeout())
	assert.Equal(t, 30*time.Second, cfg.ReadTimeoutDuration())
	assert.Equal(t, "base/x", cfg.ObjectKey("x"))
}

func TestLoadClientConfigChunkSizeBounds(t *testing.T) {
	tests := map[string]ByteSize{
		"1":         MinChunkSize,
		"1b":        MinChunkSize,
		"100mb":     MaxChunkSize,
		"104857600": MaxChunkSize,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			cfg, err := LoadClientConfig("test", NewSettings(map[string]string{ChunkSizeSetting: in}, nil))
			require.NoError(t, err)
			assert.Equal(t, want, cfg.ChunkSize)
		})
	}
}

func TestLoadClientConfigInvalid(t *testing.T) {
	tests := map[string]map[string]string{
		"chunk zero":      {ChunkSizeSetting: "0"},
		"chunk too large": {ChunkSizeSetting: "104857601"},
		"timeout":         {ConnectionTimeoutSetting: "-2"},
		"read timeout":    {ReadTimeoutSetting: "soon"},
	}
	for name, values := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadClientConfig("test", NewSettings(values, nil))
			assert.True(t, IsInvalidSetting(err), "got %v", err)
		})
	}

	_, err := LoadClientConfig("test", NewSettings(map[string]string{BasePathSetting: ""}, nil))
	require.Error(t, err)
	assert.Equal(t, "[test] base_path hasn't been defined", err.Error())
}

func TestClientConfigObjectKey(t *testing.T) {
	tests := []struct {
		base, name, want string
	}{
		{"", "a", "a"},
		{"", "/a", "a"},
		{"base", "a/b", "base/a/b"},
		{"base/", "a", "base/a"},
		{"base/", "/a", "base/a"},
	}
	for _, tt := range tests {
		cfg := ClientConfig{BasePath: tt.base}
		assert.Equal(t, tt.want, cfg.ObjectKey(tt.name))
	}
}

func TestDecodeSettingsWeakTyping(t *testing.T) {
	var out struct {
		Retries  int           `mapstructure:"max_retries"`
		Throttle bool          `mapstructure:"use_throttle_retries"`
		Part     ByteSize      `mapstructure:"part_size"`
		Wait     time.Duration `mapstructure:"wait"`
		Endpoint string        `mapstructure:"endpoint"`
	}
	err := DecodeSettings(NewSettings(map[string]string{
		"max_retries":          "5",
		"use_throttle_retries": "false",
		"part_size":            "5mb",
		"wait":                 "30s",
		"endpoint":             "http://localhost:9000",
	}, nil), &out)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Retries)
	assert.False(t, out.Throttle)
	assert.Equal(t, ByteSize(5<<20), out.Part)
	assert.Equal(t, 30*time.Second, out.Wait)
	assert.Equal(t, "http://localhost:9000", out.Endpoint)
}

func TestSettingsAccessors(t *testing.T) {
	values := map[string]string{"a": "1"}
	secure := map[string][]byte{"s": []byte("secret"), "empty": nil}
	s := NewSettings(values, secure)

	values["a"] = "changed"
	secure["s"][0] = 'X'

	v, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	b, ok := s.Secure("s")
	require.True(t, ok)
	assert.Equal(t, "secret", string(b))
	b[0] = 'Y'
	b, _ = s.Secure("s")
	assert.Equal(t, "secret", string(b))

	assert.False(t, s.HasSecure("empty"))
	_, ok = s.Secure("empty")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "empty", "s"}, s.Keys())
	assert.False(t, s.IsEmpty())
	assert.True(t, Settings{}.IsEmpty())
}
