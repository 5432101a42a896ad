package repocrypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream format constants.
const (
	// magic is the 2-byte stream signature "RC" (Repository Ciphertext).
	magic = "RC"

	// formatVersion is the current stream format version.
	formatVersion = 0x01

	// algRSAOAEPAES256GCM identifies an RSA-OAEP(SHA-256) wrapped AES-256 key
	// protecting a segmented AES-256-GCM payload.
	algRSAOAEPAES256GCM = 0x01

	// aesKeySize is the data key size in bytes (AES-256).
	aesKeySize = 32

	// gcmTagSize is the authentication tag size for GCM (16 bytes).
	gcmTagSize = 16

	// noncePrefixSize is the random per-stream part of every segment nonce.
	// A segment nonce is prefix(7) || counter(4, big endian) || last(1).
	noncePrefixSize = 7

	// segmentSize is the plaintext size of every segment except the last.
	segmentSize = 64 * 1024

	// encryptedSegmentSize is the on-the-wire size of a full segment.
	encryptedSegmentSize = segmentSize + gcmTagSize

	// fixedHeaderSize is magic(2) + version(1) + alg(1) + wrappedKeyLen(2).
	fixedHeaderSize = 6

	// maxWrappedKeySize bounds the wrapped key length field (a 16384-bit modulus).
	maxWrappedKeySize = 2048
)

// header is the self-describing prefix of an encrypted stream.
type header struct {
	version     byte
	algorithm   byte
	wrappedKey  []byte
	noncePrefix []byte // 7 bytes
}

// marshal returns the binary encoding of h. The encoding doubles as the
// additional authenticated data of every segment.
func (h *header) marshal() ([]byte, error) {
	if len(h.wrappedKey) == 0 || len(h.wrappedKey) > maxWrappedKeySize {
		return nil, fmt.Errorf("%w: wrapped key has %d bytes", ErrInvalidFormat, len(h.wrappedKey))
	}
	if len(h.noncePrefix) != noncePrefixSize {
		return nil, fmt.Errorf("%w: nonce prefix has %d bytes", ErrInvalidFormat, len(h.noncePrefix))
	}

	buf := make([]byte, 0, fixedHeaderSize+len(h.wrappedKey)+noncePrefixSize)
	buf = append(buf, magic...)
	buf = append(buf, h.version, h.algorithm)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(h.wrappedKey)))
	buf = append(buf, h.wrappedKey...)
	buf = append(buf, h.noncePrefix...)
	return buf, nil
}

// readHeader reads and validates a header from r. It returns the parsed
// header together with its raw encoding.
//
// Malformed headers are reported as both ErrDecryptionFailed and
// ErrInvalidFormat: a header that does not parse is indistinguishable from a
// tampered one. Errors from r other than a premature EOF are returned as-is.
func readHeader(r io.Reader) (*header, []byte, error) {
	fixed := make([]byte, fixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, nil, shortHeaderError(err)
	}

	if string(fixed[0:2]) != magic {
		return nil, nil, fmt.Errorf("%w: %w: invalid magic bytes", ErrDecryptionFailed, ErrInvalidFormat)
	}

	h := &header{
		version:   fixed[2],
		algorithm: fixed[3],
	}
	if h.version != formatVersion {
		return nil, nil, fmt.Errorf("%w: %w: unsupported version %d", ErrDecryptionFailed, ErrInvalidFormat, h.version)
	}
	if h.algorithm != algRSAOAEPAES256GCM {
		return nil, nil, fmt.Errorf("%w: %w: unsupported algorithm %d", ErrDecryptionFailed, ErrInvalidFormat, h.algorithm)
	}

	keyLen := int(binary.BigEndian.Uint16(fixed[4:6]))
	if keyLen == 0 || keyLen > maxWrappedKeySize {
		return nil, nil, fmt.Errorf("%w: %w: wrapped key length %d", ErrDecryptionFailed, ErrInvalidFormat, keyLen)
	}

	rest := make([]byte, keyLen+noncePrefixSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, nil, shortHeaderError(err)
	}
	h.wrappedKey = rest[:keyLen]
	h.noncePrefix = rest[keyLen:]

	raw := make([]byte, 0, len(fixed)+len(rest))
	raw = append(raw, fixed...)
	raw = append(raw, rest...)
	return h, raw, nil
}

func shortHeaderError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w: stream too short for header", ErrDecryptionFailed, ErrInvalidFormat)
	}
	return fmt.Errorf("repository: reading header: %w", err)
}

// segmentNonce builds the GCM nonce for segment n of a stream.
func segmentNonce(dst, prefix []byte, n uint32, last bool) []byte {
	dst = append(dst[:0], prefix...)
	dst = binary.BigEndian.AppendUint32(dst, n)
	if last {
		return append(dst, 1)
	}
	return append(dst, 0)
}
