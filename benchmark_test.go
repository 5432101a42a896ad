package repocrypto

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/rbaliyan/config/codec"

	"github.com/rbaliyan/repository-crypto/internal/testutil"
)

func benchmarkEncrypt(b *testing.B, size int) {
	p := testKeys(b)
	payload := testutil.Pattern(size)

	b.SetBytes(int64(size))
	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		w, err := p.EncryptingWriter(io.Discard)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := w.Write(payload); err != nil {
			b.Fatal(err)
		}
		if err := w.Close(); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkDecrypt(b *testing.B, size int) {
	p := testKeys(b)
	ciphertext := encryptAll(b, p, testutil.Pattern(size))

	b.SetBytes(int64(size))
	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		r, err := p.DecryptingReader(bytes.NewReader(ciphertext))
		if err != nil {
			b.Fatal(err)
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncrypt1KB(b *testing.B)  { benchmarkEncrypt(b, 1024) }
func BenchmarkEncrypt1MB(b *testing.B)  { benchmarkEncrypt(b, 1<<20) }
func BenchmarkEncrypt16MB(b *testing.B) { benchmarkEncrypt(b, 16<<20) }
func BenchmarkDecrypt1KB(b *testing.B)  { benchmarkDecrypt(b, 1024) }
func BenchmarkDecrypt1MB(b *testing.B)  { benchmarkDecrypt(b, 1<<20) }
func BenchmarkDecrypt16MB(b *testing.B) { benchmarkDecrypt(b, 16<<20) }

func BenchmarkIOProviderWrite1MB(b *testing.B) {
	client := newMemClient(nil)
	cfg := DefaultClientConfig()
	cfg.ChunkSize = 256 << 10
	p, err := NewIOProvider("bench", client, testKeys(b), cfg)
	if err != nil {
		b.Fatal(err)
	}
	payload := testutil.Pattern(1 << 20)
	ctx := context.Background()

	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		if err := p.Write(ctx, "obj", bytes.NewReader(payload)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecEncode1KB(b *testing.B) {
	c, err := NewCodec(codec.JSON(), testKeys(b))
	if err != nil {
		b.Fatal(err)
	}
	payload := testutil.Pattern(1024)

	b.ResetTimer()
	b.ReportAllocs()
	for b.Loop() {
		if _, err := c.Encode(payload); err != nil {
			b.Fatal(err)
		}
	}
}
