package gqcow2

import (
	"fmt"
)

// Unallocated reports a cluster with no host data that is not flagged
// all-zero either. Without a backing file both read as zeros.
func (e L2Entry) Unallocated() bool {
	return e.Standard != nil && e.Standard.DataOffset == 0 && !e.Standard.AllZero
}

// Zero reports whether the cluster reads back as zeros without touching the
// host file.
func (e L2Entry) Zero() bool {
	return e.Standard != nil && (e.Standard.AllZero || e.Standard.DataOffset == 0)
}

// ReadContents decodes the cluster into buf, which must be exactly one
// cluster long. buf is either fully written or the call fails.
func (e L2Entry) ReadContents(r FileHandler, buf []byte, ct CompressionType) error {
	switch {
	case e.Compressed != nil:
		return e.readCompressed(r, buf, ct)
	case e.Standard != nil:
		if e.Zero() {
			zeroFill(buf)
			return nil
		}
		if err := readFullAt(r, buf, int64(e.Standard.DataOffset)); err != nil {
			return fmt.Errorf("reading cluster at 0x%x: %w", e.Standard.DataOffset, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: L2 entry without descriptor", ErrInvalidL2Table)
	}
}

func (e L2Entry) readCompressed(r FileHandler, buf []byte, ct CompressionType) error {
	cd := e.Compressed
	if cd.DataOffset == 0 {
		return fmt.Errorf("%w: compressed cluster at host offset 0", ErrDecompressFail)
	}

	// the last sector may be cut short by the end of the image file
	compressed, err := readTruncatedAt(r, make([]byte, cd.CompressedSize()), int64(cd.DataOffset))
	if err != nil {
		return fmt.Errorf("%w: reading %d bytes at 0x%x: %w", ErrDecompressFail, cd.CompressedSize(), cd.DataOffset, err)
	}
	if len(compressed) == 0 {
		return fmt.Errorf("%w: no data at 0x%x", ErrDecompressFail, cd.DataOffset)
	}

	return decompress(buf, compressed, ct)
}
