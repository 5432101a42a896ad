// Package vault unseals repository private keys encrypted with the HashiCorp
// Vault Transit secrets engine.
//
// The private key file configured as repository.private_key_file holds the
// Transit ciphertext (e.g. "vault:v1:base64data") of the PEM encoded key.
//
// Usage:
//
//	unsealer, err := vault.New(transitClient, "repository")
//	provider, err := fsstore.NewSettingsProvider(
//	    repocrypto.WithPrivateKeyUnsealer(unsealer),
//	)
package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	repocrypto "github.com/rbaliyan/repository-crypto"
)

// Client abstracts the Vault Transit decrypt operation.
// This allows injecting a mock for testing or wrapping any Vault client library.
type Client interface {
	// TransitDecrypt decrypts ciphertext using the named Transit key.
	// The ciphertext should be in Vault's format (e.g., "vault:v1:base64data").
	// Returns the plaintext bytes.
	TransitDecrypt(ctx context.Context, keyName string, ciphertext string) ([]byte, error)
}

const ciphertextPrefix = "vault:"

// Unsealer decrypts sealed private keys with a Transit key.
type Unsealer struct {
	client  Client
	keyName string
}

// Compile-time interface check.
var _ repocrypto.Unsealer = (*Unsealer)(nil)

// New returns an Unsealer using the Transit key keyName.
func New(client Client, keyName string) (*Unsealer, error) {
	if client == nil {
		return nil, errors.New("vault: client is nil")
	}
	if keyName == "" {
		return nil, errors.New("vault: transit key name is required")
	}
	return &Unsealer{client: client, keyName: keyName}, nil
}

// Unseal decrypts the Transit ciphertext held in sealed. Surrounding
// whitespace, such as a trailing newline in the key file, is ignored.
func (u *Unsealer) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	ct := string(bytes.TrimSpace(sealed))
	if ct == "" {
		return nil, errors.New("vault: sealed key is empty")
	}
	if !strings.HasPrefix(ct, ciphertextPrefix) || len(ct) == len(ciphertextPrefix) {
		return nil, errors.New("vault: sealed key is not Transit ciphertext")
	}

	plaintext, err := u.client.TransitDecrypt(ctx, u.keyName, ct)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to decrypt private key with %q: %w", u.keyName, err)
	}
	if len(plaintext) == 0 {
		return nil, errors.New("vault: Transit returned an empty plaintext")
	}
	return plaintext, nil
}
