package repocrypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/ssh"
)

// minRSAKeyBits is the smallest modulus accepted for the repository key pair.
const minRSAKeyBits = 2048

// KeyPair is a loaded RSA key pair. The public key wraps per-stream data keys,
// the private key unwraps them.
type KeyPair struct {
	public  *rsa.PublicKey
	private *rsa.PrivateKey
}

// PublicKey returns the public half of the pair.
func (k *KeyPair) PublicKey() *rsa.PublicKey {
	return k.public
}

// PrivateKey returns the private half of the pair.
func (k *KeyPair) PrivateKey() *rsa.PrivateKey {
	return k.private
}

// LoadKeyPair parses a PEM encoded public key and a PEM or OpenSSH encoded
// private key into a KeyPair.
//
// Accepted public key blocks are "PUBLIC KEY" (PKIX) and "RSA PUBLIC KEY"
// (PKCS #1). Accepted private key blocks are "PRIVATE KEY" (PKCS #8),
// "RSA PRIVATE KEY" (PKCS #1) and "OPENSSH PRIVATE KEY".
//
// If either half is missing the returned error matches ErrPartialKeyPair and
// ErrMissingSetting and names the setting that must be supplied. If the bytes
// cannot be parsed, are not RSA, or the halves don't match, the error matches
// ErrMalformedKey. Neither input slice is modified.
func LoadKeyPair(public, private []byte) (*KeyPair, error) {
	if len(public) == 0 {
		return nil, partialKeyPairError(PublicKeyFileSetting)
	}
	if len(private) == 0 {
		return nil, partialKeyPairError(PrivateKeyFileSetting)
	}

	pub, err := parsePublicKey(public)
	if err != nil {
		return nil, err
	}
	priv, err := parsePrivateKey(private)
	if err != nil {
		return nil, err
	}

	if priv.N.BitLen() < minRSAKeyBits {
		return nil, fmt.Errorf("%w: RSA key has %d bits, need at least %d", ErrMalformedKey, priv.N.BitLen(), minRSAKeyBits)
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if !pub.Equal(&priv.PublicKey) {
		return nil, fmt.Errorf("%w: public key does not match private key", ErrMalformedKey)
	}

	return &KeyPair{public: pub, private: priv}, nil
}

func partialKeyPairError(setting string) error {
	return &RepositoryError{
		Kind: ErrPartialKeyPair,
		Msg:  "Settings with name " + setting + " hasn't been set",
		Err:  ErrMissingSetting,
	}
}

func parsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: public key is not PEM encoded", ErrMalformedKey)
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: public key: %v", ErrMalformedKey, err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA public key", ErrMalformedKey)
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: public key: %v", ErrMalformedKey, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unsupported public key block %q", ErrMalformedKey, block.Type)
	}
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM encoded", ErrMalformedKey)
	}
	// pem.Decode returns a decoded copy; the DER is not needed once parsed.
	defer memguard.WipeBytes(block.Bytes)

	var (
		key any
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "OPENSSH PRIVATE KEY":
		key, err = ssh.ParseRawPrivateKey(data)
	default:
		return nil, fmt.Errorf("%w: unsupported private key block %q", ErrMalformedKey, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrMalformedKey, err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA private key", ErrMalformedKey)
	}
	return rsaKey, nil
}
