// Package awskms unseals repository private keys that were encrypted with
// AWS KMS.
//
// The private key file configured as repository.private_key_file holds the
// raw CiphertextBlob returned by KMS Encrypt for the PEM encoded key. KMS
// Encrypt accepts at most 4096 bytes of plaintext, which fits RSA keys up to
// 4096 bits.
//
// Usage:
//
//	cfg, err := awsconfig.LoadDefaultConfig(ctx)
//	kmsClient := kms.NewFromConfig(cfg)
//
//	unsealer, err := awskms.New(kmsClient, awskms.WithKeyID("alias/repository"))
//	provider, err := s3store.NewSettingsProvider(
//	    repocrypto.WithPrivateKeyUnsealer(unsealer),
//	)
package awskms

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/aws/aws-sdk-go-v2/service/kms"

	repocrypto "github.com/rbaliyan/repository-crypto"
)

// Client is the subset of the AWS KMS API used by this package.
type Client interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Option configures an Unsealer.
type Option func(*options)

type options struct {
	keyID             string // KMS key ARN or alias; empty = let KMS determine
	encryptionContext map[string]string
}

// WithKeyID pins the KMS key used for decryption. Required when the key
// file was encrypted under an asymmetric KMS key.
func WithKeyID(keyID string) Option {
	return func(o *options) {
		o.keyID = keyID
	}
}

// WithEncryptionContext sets the encryption context the key file was sealed with.
func WithEncryptionContext(ec map[string]string) Option {
	return func(o *options) {
		o.encryptionContext = maps.Clone(ec)
	}
}

// Unsealer decrypts sealed private keys with AWS KMS.
type Unsealer struct {
	client Client
	opts   options
}

// Compile-time interface check.
var _ repocrypto.Unsealer = (*Unsealer)(nil)

// New returns an Unsealer backed by client.
func New(client Client, opts ...Option) (*Unsealer, error) {
	if client == nil {
		return nil, errors.New("awskms: client is nil")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Unsealer{client: client, opts: o}, nil
}

// Unseal decrypts sealed with KMS Decrypt.
func (u *Unsealer) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, errors.New("awskms: sealed key is empty")
	}

	input := &kms.DecryptInput{
		CiphertextBlob:    sealed,
		EncryptionContext: u.opts.encryptionContext,
	}
	if u.opts.keyID != "" {
		input.KeyId = &u.opts.keyID
	}

	out, err := u.client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("awskms: failed to decrypt private key: %w", err)
	}
	if len(out.Plaintext) == 0 {
		return nil, errors.New("awskms: KMS returned an empty plaintext")
	}
	return out.Plaintext, nil
}
