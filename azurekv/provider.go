// Package azurekv unseals repository private keys protected by an Azure Key
// Vault key.
//
// Key Vault can only unwrap short values, so the private key file is an
// envelope: a random AES-256 key, wrapped by Key Vault with WrapKey, seals
// the PEM encoded private key with AES-256-GCM. Seal builds the envelope
// from a key the caller has already wrapped.
//
// Usage:
//
//	cred, err := azidentity.NewDefaultAzureCredential(nil)
//	client, err := azkeys.NewClient("https://my-vault.vault.azure.net/", cred, nil)
//
//	unsealer, err := azurekv.New(client, "repository-key", "")
//	provider, err := s3store.NewSettingsProvider(
//	    repocrypto.WithPrivateKeyUnsealer(unsealer),
//	)
package azurekv

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"

	repocrypto "github.com/rbaliyan/repository-crypto"
)

// Envelope layout: magic(4) | wrappedKeyLen(2) | wrappedKey | nonce(12) | ciphertext.
const (
	magic      = "AKV\x01"
	keySize    = 32
	nonceSize  = 12
	headerSize = len(magic) + 2
)

// ErrInvalidEnvelope is returned when a sealed key file is not a Key Vault envelope.
var ErrInvalidEnvelope = errors.New("azurekv: invalid envelope")

// Client is the subset of the Azure Key Vault API used by this package.
type Client interface {
	UnwrapKey(ctx context.Context, keyName string, keyVersion string, parameters azkeys.KeyOperationParameters, options *azkeys.UnwrapKeyOptions) (azkeys.UnwrapKeyResponse, error)
}

// Option configures an Unsealer.
type Option func(*options)

type options struct {
	algorithm azkeys.EncryptionAlgorithm
}

// WithAlgorithm sets the unwrap algorithm. The default is RSA-OAEP-256.
func WithAlgorithm(alg azkeys.EncryptionAlgorithm) Option {
	return func(o *options) {
		o.algorithm = alg
	}
}

// Unsealer opens Key Vault envelopes.
type Unsealer struct {
	client     Client
	keyName    string
	keyVersion string
	opts       options
}

// Compile-time interface check.
var _ repocrypto.Unsealer = (*Unsealer)(nil)

// New returns an Unsealer that unwraps with the named Key Vault key.
// An empty keyVersion selects the latest version.
func New(client Client, keyName, keyVersion string, opts ...Option) (*Unsealer, error) {
	if client == nil {
		return nil, errors.New("azurekv: client is nil")
	}
	if keyName == "" {
		return nil, errors.New("azurekv: key name is required")
	}
	o := options{algorithm: azkeys.EncryptionAlgorithmRSAOAEP256}
	for _, opt := range opts {
		opt(&o)
	}
	return &Unsealer{client: client, keyName: keyName, keyVersion: keyVersion, opts: o}, nil
}

// Unseal unwraps the envelope key with Key Vault and decrypts the private key.
func (u *Unsealer) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	wrapped, aad, nonce, ciphertext, err := parseEnvelope(sealed)
	if err != nil {
		return nil, err
	}

	alg := u.opts.algorithm
	resp, err := u.client.UnwrapKey(ctx, u.keyName, u.keyVersion, azkeys.KeyOperationParameters{
		Algorithm: &alg,
		Value:     wrapped,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("azurekv: failed to unwrap key with %q: %w", u.keyName, err)
	}
	key := resp.Result
	defer clear(key)
	if len(key) != keySize {
		return nil, fmt.Errorf("azurekv: unwrapped key has %d bytes, want %d", len(key), keySize)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrInvalidEnvelope)
	}
	return plaintext, nil
}

// Seal builds an envelope that Unseal opens. key is the 32-byte AES key and
// wrappedKey is that key as returned by Key Vault WrapKey.
func Seal(key, wrappedKey, plaintext []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("azurekv: key has %d bytes, want %d", len(key), keySize)
	}
	if len(wrappedKey) == 0 || len(wrappedKey) > 0xffff {
		return nil, fmt.Errorf("azurekv: wrapped key has %d bytes", len(wrappedKey))
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("azurekv: failed to generate nonce: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerSize+len(wrappedKey)+nonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(wrappedKey)))
	out = append(out, wrappedKey...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, out), nil
}

// parseEnvelope splits sealed. aad is everything before the ciphertext.
func parseEnvelope(sealed []byte) (wrapped, aad, nonce, ciphertext []byte, err error) {
	if len(sealed) < headerSize || string(sealed[:len(magic)]) != magic {
		return nil, nil, nil, nil, fmt.Errorf("%w: bad header", ErrInvalidEnvelope)
	}
	n := int(binary.BigEndian.Uint16(sealed[len(magic):headerSize]))
	end := headerSize + n + nonceSize
	if n == 0 || len(sealed) < end {
		return nil, nil, nil, nil, fmt.Errorf("%w: truncated", ErrInvalidEnvelope)
	}
	return sealed[headerSize : headerSize+n], sealed[:end], sealed[headerSize+n : end], sealed[end:], nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("azurekv: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("azurekv: %w", err)
	}
	return gcm, nil
}
