package repocrypto

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
)

// DecryptingReader reads the stream header from source, unwraps the data key
// with the private key and returns a lazy reader of the plaintext.
//
// The returned reader is forward-only and single-pass. Every segment is
// authenticated before any of its plaintext is returned; a tampered or
// truncated stream yields an error matching ErrDecryptionFailed instead of
// plaintext. Errors from source are returned unchanged.
func (p *EncryptionKeyProvider) DecryptingReader(source io.Reader) (io.Reader, error) {
	if source == nil {
		return nil, errors.New("repository: DecryptingReader source is nil")
	}

	h, raw, err := readHeader(source)
	if err != nil {
		return nil, err
	}

	dek, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, p.keys.private, h.wrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unwrap data key", ErrDecryptionFailed)
	}
	defer memguard.WipeBytes(dek)

	if len(dek) != aesKeySize {
		return nil, fmt.Errorf("%w: data key has %d bytes", ErrDecryptionFailed, len(dek))
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return &decryptingReader{
		src:         bufio.NewReader(source),
		aead:        aead,
		aad:         raw,
		noncePrefix: h.noncePrefix,
		in:          make([]byte, encryptedSegmentSize),
	}, nil
}

type decryptingReader struct {
	src         *bufio.Reader
	aead        cipher.AEAD
	aad         []byte
	noncePrefix []byte
	nonce       []byte
	in          []byte
	out         []byte
	plain       []byte // authenticated plaintext not yet returned
	counter     uint32
	done        bool // final segment authenticated
	err         error
}

func (r *decryptingReader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.err = r.next()
	}

	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

// next reads and authenticates one segment.
func (r *decryptingReader) next() error {
	n, err := io.ReadFull(r.src, r.in)
	var last bool
	switch {
	case err == nil:
		// A full segment is the last one only if nothing follows it.
		if _, perr := r.src.Peek(1); perr != nil {
			if !errors.Is(perr, io.EOF) {
				return perr
			}
			last = true
		}
	case errors.Is(err, io.ErrUnexpectedEOF):
		last = true
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: stream truncated after segment %d", ErrDecryptionFailed, r.counter)
	default:
		return err
	}

	if n < gcmTagSize {
		return fmt.Errorf("%w: segment %d too short", ErrDecryptionFailed, r.counter)
	}

	r.nonce = segmentNonce(r.nonce, r.noncePrefix, r.counter, last)
	plain, err := r.aead.Open(r.out[:0], r.nonce, r.in[:n], r.aad)
	if err != nil {
		return fmt.Errorf("%w: segment %d failed authentication", ErrDecryptionFailed, r.counter)
	}
	r.out = plain
	r.plain = plain
	r.counter++
	r.done = last
	return nil
}
