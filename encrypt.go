package repocrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/awnumar/memguard"
)

var errWriterClosed = errors.New("repository: write to closed encrypting writer")

// EncryptingWriter returns a writer that encrypts everything written to it
// into sink.
//
// A random AES-256 data key and nonce prefix are generated per call. The data
// key is wrapped with RSA-OAEP (SHA-256) under the public key and written to
// sink as part of the stream header before this function returns. Plaintext
// is sealed in fixed size AES-256-GCM segments; the caller must Close the
// writer to seal the final segment. Close does not close sink.
func (p *EncryptionKeyProvider) EncryptingWriter(sink io.Writer) (io.WriteCloser, error) {
	if sink == nil {
		return nil, errors.New("repository: EncryptingWriter sink is nil")
	}

	dek := make([]byte, aesKeySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("repository: failed to generate data key: %w", err)
	}
	defer memguard.WipeBytes(dek)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, p.keys.public, dek, nil)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to wrap data key: %w", err)
	}

	noncePrefix := make([]byte, noncePrefixSize)
	if _, err := io.ReadFull(rand.Reader, noncePrefix); err != nil {
		return nil, fmt.Errorf("repository: failed to generate nonce: %w", err)
	}

	h := &header{
		version:     formatVersion,
		algorithm:   algRSAOAEPAES256GCM,
		wrappedKey:  wrappedKey,
		noncePrefix: noncePrefix,
	}
	raw, err := h.marshal()
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to create data cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to create data GCM: %w", err)
	}

	if _, err := sink.Write(raw); err != nil {
		return nil, fmt.Errorf("repository: writing header: %w", err)
	}

	return &encryptingWriter{
		sink:        sink,
		aead:        aead,
		aad:         raw,
		noncePrefix: noncePrefix,
		buf:         make([]byte, 0, segmentSize),
	}, nil
}

type encryptingWriter struct {
	sink        io.Writer
	aead        cipher.AEAD
	aad         []byte
	noncePrefix []byte
	nonce       []byte
	buf         []byte // pending plaintext, at most segmentSize
	out         []byte // sealed segment scratch
	counter     uint32
	closed      bool
	err         error
}

func (w *encryptingWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, errWriterClosed
	}

	n := 0
	for len(p) > 0 {
		// A full segment is sealed only once more data arrives, so the
		// final segment is always sealed by Close.
		if len(w.buf) == segmentSize {
			if err := w.seal(false); err != nil {
				w.err = err
				return n, err
			}
		}
		k := copy(w.buf[len(w.buf):segmentSize], p)
		w.buf = w.buf[:len(w.buf)+k]
		p = p[k:]
		n += k
	}
	return n, nil
}

// Close seals the final segment. It is safe to call more than once.
func (w *encryptingWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	if err := w.seal(true); err != nil {
		w.err = err
	}
	clear(w.buf[:cap(w.buf)])
	return w.err
}

func (w *encryptingWriter) seal(last bool) error {
	if !last && w.counter == math.MaxUint32 {
		return fmt.Errorf("%w: stream exceeds maximum segment count", ErrInvalidFormat)
	}
	w.nonce = segmentNonce(w.nonce, w.noncePrefix, w.counter, last)
	w.out = w.aead.Seal(w.out[:0], w.nonce, w.buf, w.aad)
	if _, err := w.sink.Write(w.out); err != nil {
		return err
	}
	w.counter++
	w.buf = w.buf[:0]
	return nil
}
