package repocrypto

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/rbaliyan/config/codec"
)

// Codec wraps an inner codec with the repository's hybrid encryption, so
// secure settings can be kept in any config store encrypted under the
// repository key pair. On Encode the inner codec serializes the value and the
// result is encrypted; on Decode the data is decrypted and then deserialized.
//
// Codec is safe for concurrent use if the inner codec is.
type Codec struct {
	inner codec.Codec
	keys  *EncryptionKeyProvider
	name  string
}

// Compile-time interface check.
var _ codec.Codec = (*Codec)(nil)

// NewCodec creates an encrypting codec that wraps the given inner codec.
// The codec name is "rsa-encrypted:<inner>", e.g. "rsa-encrypted:json".
func NewCodec(inner codec.Codec, keys *EncryptionKeyProvider) (*Codec, error) {
	if inner == nil {
		return nil, errors.New("repository: NewCodec inner codec is nil")
	}
	if keys == nil {
		return nil, errors.New("repository: NewCodec key provider is nil")
	}
	return &Codec{
		inner: inner,
		keys:  keys,
		name:  "rsa-encrypted:" + inner.Name(),
	}, nil
}

// Name returns the codec name, e.g. "rsa-encrypted:json".
func (c *Codec) Name() string {
	return c.name
}

// Encode serializes the value using the inner codec, then encrypts the result.
func (c *Codec) Encode(v any) ([]byte, error) {
	plaintext, err := c.inner.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("repository: inner encode failed: %w", err)
	}
	defer clear(plaintext)

	var buf bytes.Buffer
	w, err := c.keys.EncryptingWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decrypts the data, then deserializes the plaintext using the inner codec.
func (c *Codec) Decode(data []byte, v any) error {
	r, err := c.keys.DecryptingReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("repository: decrypt failed: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("repository: decrypt failed: %w", err)
	}
	defer clear(plaintext)

	if err := c.inner.Decode(plaintext, v); err != nil {
		return fmt.Errorf("repository: inner decode failed: %w", err)
	}
	return nil
}
