// Package gcpkms unseals repository private keys that were encrypted with
// Google Cloud KMS.
//
// The private key file configured as repository.private_key_file holds the
// ciphertext returned by the CryptoKeys.Encrypt RPC for the PEM encoded key.
//
// Usage:
//
//	client, err := kms.NewKeyManagementClient(ctx)
//	unsealer, err := gcpkms.New(client,
//	    "projects/p/locations/global/keyRings/r/cryptoKeys/repository")
//	provider, err := gcsstore.NewSettingsProvider(
//	    repocrypto.WithPrivateKeyUnsealer(unsealer),
//	)
package gcpkms

import (
	"context"
	"errors"
	"fmt"

	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"

	repocrypto "github.com/rbaliyan/repository-crypto"
)

// Client is the subset of the GCP Cloud KMS API used by this package.
// *kms.KeyManagementClient satisfies it.
type Client interface {
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error)
}

// Option configures an Unsealer.
type Option func(*options)

type options struct {
	aad []byte
}

// WithAdditionalAuthenticatedData sets the AAD the key file was encrypted with.
func WithAdditionalAuthenticatedData(aad []byte) Option {
	return func(o *options) {
		o.aad = append([]byte(nil), aad...)
	}
}

// Unsealer decrypts sealed private keys with Cloud KMS.
type Unsealer struct {
	client       Client
	resourceName string
	opts         options
}

// Compile-time interface check.
var _ repocrypto.Unsealer = (*Unsealer)(nil)

// New returns an Unsealer for the CryptoKey resourceName
// (projects/*/locations/*/keyRings/*/cryptoKeys/*).
func New(client Client, resourceName string, opts ...Option) (*Unsealer, error) {
	if client == nil {
		return nil, errors.New("gcpkms: client is nil")
	}
	if resourceName == "" {
		return nil, errors.New("gcpkms: key resource name is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Unsealer{client: client, resourceName: resourceName, opts: o}, nil
}

// Unseal decrypts sealed with the CryptoKeys.Decrypt RPC.
func (u *Unsealer) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, errors.New("gcpkms: sealed key is empty")
	}

	resp, err := u.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:                        u.resourceName,
		Ciphertext:                  sealed,
		AdditionalAuthenticatedData: u.opts.aad,
	})
	if err != nil {
		return nil, fmt.Errorf("gcpkms: failed to decrypt private key: %w", err)
	}
	if len(resp.GetPlaintext()) == 0 {
		return nil, errors.New("gcpkms: KMS returned an empty plaintext")
	}
	return resp.GetPlaintext(), nil
}
