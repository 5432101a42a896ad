package repocrypto

import (
	"errors"
	"io"
)

// EncryptionKeyProvider turns a KeyPair into streaming encrypt and decrypt
// transforms. Every EncryptingWriter uses a fresh data key and nonce, so the
// provider carries no per-stream state and is safe for concurrent use.
type EncryptionKeyProvider struct {
	keys *KeyPair
}

// NewEncryptionKeyProvider returns a provider for the given key pair.
func NewEncryptionKeyProvider(keys *KeyPair) (*EncryptionKeyProvider, error) {
	if keys == nil || keys.public == nil || keys.private == nil {
		return nil, errors.New("repository: NewEncryptionKeyProvider key pair is nil")
	}
	return &EncryptionKeyProvider{keys: keys}, nil
}

// KeyPair returns the provider's key pair.
func (p *EncryptionKeyProvider) KeyPair() *KeyPair {
	return p.keys
}

// Compile-time checks.
var (
	_ io.WriteCloser = (*encryptingWriter)(nil)
	_ io.Reader      = (*decryptingReader)(nil)
)
