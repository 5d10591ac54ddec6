package gqcow2

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

type CompressionType uint8

const (
	// CompressionZlib is a misnomer, the stream is raw deflate without the
	// zlib header.
	CompressionZlib CompressionType = 0
	CompressionZstd CompressionType = 1
)

func (c CompressionType) String() string {
	switch c {
	case CompressionZlib:
		return "zlib"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown-%d", uint8(c))
	}
}

// Decompressor wraps a compressed cluster stream.
type Decompressor func(r io.Reader) (io.ReadCloser, error)

var decompressors = map[CompressionType]Decompressor{
	CompressionZlib: newDeflateReader,
	CompressionZstd: newZstdReader,
}

// SetDecompressor replaces the decompressor used for t. It must be called
// before any image is opened.
func SetDecompressor(t CompressionType, d Decompressor) {
	decompressors[t] = d
}

func decompressorFor(t CompressionType) (Decompressor, error) {
	d, ok := decompressors[t]
	if !ok || d == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, t)
	}
	return d, nil
}

func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	return flate.NewReader(r), nil
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func newZstdReader(r io.Reader) (io.ReadCloser, error) {
	// one cluster at a time, no need for background goroutines
	d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
	if err != nil {
		return nil, err
	}
	return zstdReadCloser{d}, nil
}

// decompress inflates src into dst, which is exactly one cluster. The stream
// must produce a full cluster; decompression stops once it has, trailing
// bytes in the final sector are ignored.
func decompress(dst []byte, src []byte, t CompressionType) error {
	d, err := decompressorFor(t)
	if err != nil {
		return err
	}

	zr, err := d(bytes.NewReader(src))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecompressFail, err)
	}
	defer zr.Close()

	n, err := io.ReadFull(zr, dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: stream ended after %d of %d bytes", ErrDecompressFail, n, len(dst))
	default:
		return fmt.Errorf("%w: %w", ErrDecompressFail, err)
	}
}
