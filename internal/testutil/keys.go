// Package testutil holds fixtures shared by the package tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
)

// KeyBits is the modulus size of generated test keys.
const KeyBits = 2048

var (
	keysOnce sync.Once
	keys     [2]*rsa.PrivateKey
	keysErr  error
)

func generate() {
	for i := range keys {
		if keys[i], keysErr = rsa.GenerateKey(rand.Reader, KeyBits); keysErr != nil {
			return
		}
	}
}

// RSAKey returns a process-wide test key. Key generation is slow, so the
// key is generated once and shared.
func RSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keysOnce.Do(generate)
	if keysErr != nil {
		t.Fatalf("generate RSA key: %v", keysErr)
	}
	return keys[0]
}

// OtherRSAKey returns a second shared test key, distinct from RSAKey.
func OtherRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keysOnce.Do(generate)
	if keysErr != nil {
		t.Fatalf("generate RSA key: %v", keysErr)
	}
	return keys[1]
}

// PEMPair encodes key as a PKIX public key and a PKCS #8 private key.
func PEMPair(t testing.TB, key *rsa.PrivateKey) (public, private []byte) {
	t.Helper()
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
}

// Pattern returns n bytes of a repeating, non-zero pattern.
func Pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i%251 + 1)
	}
	return b
}
